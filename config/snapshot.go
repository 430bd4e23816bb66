package config

import (
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/types"
)

// Snapshot is a validated, parsed Config. It is never mutated after Build;
// a reload produces a new Snapshot.
type Snapshot struct {
	Model          string
	BaseURL        string
	Keys           []string
	SegmentTimeout time.Duration
	MaxTokens      map[string]int
	Prices         meter.PriceTable

	CostEfficiency decimal.Decimal
	SignupBonus    types.Money
	Policy         entitlement.Policy
	Products       map[string]types.Money

	Maintenance bool
	Notice      string
	LoadedAt    time.Time

	raw Config
}

// Build validates cfg and parses it into a Snapshot.
func Build(cfg Config) (*Snapshot, error) {
	var errs []error
	money := func(field, v string) types.Money {
		m, err := types.Parse(v, "usd")
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return m
	}

	s := &Snapshot{
		Model:          strings.ToLower(strings.TrimSpace(cfg.LLM.Model)),
		BaseURL:        strings.TrimRight(cfg.LLM.BaseURL, "/"),
		SegmentTimeout: cfg.LLM.SegmentTimeout,
		MaxTokens:      make(map[string]int, len(cfg.LLM.MaxTokens)),
		Prices:         make(meter.PriceTable, len(cfg.LLM.Prices)),
		SignupBonus:    money("billing.signup_bonus", cfg.Billing.SignupBonus),
		Policy: entitlement.Policy{
			MinBalance: money("billing.min_balance", cfg.Billing.MinBalance),
			MaxExpense: money("billing.max_expense", cfg.Billing.MaxExpense),
		},
		Products:    make(map[string]types.Money, len(cfg.Billing.Products)),
		Maintenance: cfg.Maintenance,
		Notice:      cfg.Notice,
		LoadedAt:    time.Now().UTC(),
		raw:         cfg,
	}

	for _, k := range cfg.LLM.Keys {
		if k = strings.TrimSpace(k); k != "" {
			s.Keys = append(s.Keys, k)
		}
	}

	eff, err := decimal.NewFromString(cfg.Billing.CostEfficiency)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("billing.cost_efficiency: %w", err))
	case !eff.IsPositive():
		errs = append(errs, errors.New("billing.cost_efficiency: must be positive"))
	}
	s.CostEfficiency = eff

	for model, n := range cfg.LLM.MaxTokens {
		s.MaxTokens[strings.ToLower(model)] = n
	}
	for model, p := range cfg.LLM.Prices {
		prompt, err1 := decimal.NewFromString(p.Prompt)
		completion, err2 := decimal.NewFromString(p.Completion)
		if err := errors.Join(err1, err2); err != nil {
			errs = append(errs, fmt.Errorf("llm.prices.%s: %w", model, err))
			continue
		}
		s.Prices[strings.ToLower(model)] = meter.ModelPrice{Prompt: prompt, Completion: completion}
	}
	for product, price := range cfg.Billing.Products {
		s.Products[strings.ToLower(product)] = money("billing.products."+product, price)
	}

	if s.Model == "" {
		errs = append(errs, errors.New("llm.model: must not be empty"))
	} else if _, ok := s.MaxTokens[s.Model]; !ok {
		errs = append(errs, fmt.Errorf("llm.model: no max_tokens entry for %q", s.Model))
	}
	if s.SegmentTimeout <= 0 {
		errs = append(errs, errors.New("llm.segment_timeout: must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// Raw returns the configuration the snapshot was built from.
func (s *Snapshot) Raw() Config { return s.raw }

// MaxContext returns the context window for model, or for the configured
// model when model is empty.
func (s *Snapshot) MaxContext(model string) (int, bool) {
	if model == "" {
		model = s.Model
	}
	n, ok := s.MaxTokens[strings.ToLower(model)]
	return n, ok
}

// ProductPrice returns the USD price of an app-store product.
func (s *Snapshot) ProductPrice(productID string) (types.Money, bool) {
	m, ok := s.Products[strings.ToLower(strings.TrimSpace(productID))]
	return m, ok
}

// MaxTokenLimits returns a copy of the context-window table.
func (s *Snapshot) MaxTokenLimits() map[string]int {
	return maps.Clone(s.MaxTokens)
}

// RandomKey picks one of the configured provider keys, spreading load and
// rate limits across them.
func (s *Snapshot) RandomKey() string {
	if len(s.Keys) == 0 {
		return ""
	}
	return s.Keys[rand.IntN(len(s.Keys))]
}

// Holder publishes the current Snapshot to concurrent readers.
type Holder struct {
	cur atomic.Pointer[Snapshot]
}

// NewHolder returns a Holder serving s.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.cur.Store(s)
	return h
}

// Load returns the current snapshot. Callers keep the pointer for the
// duration of a unit of work so a reload cannot change values mid-way.
func (h *Holder) Load() *Snapshot { return h.cur.Load() }

// Swap installs s and returns the previous snapshot.
func (h *Holder) Swap(s *Snapshot) *Snapshot { return h.cur.Swap(s) }

// Policy returns the eligibility thresholds of the current snapshot.
func (h *Holder) Policy() entitlement.Policy { return h.cur.Load().Policy }
