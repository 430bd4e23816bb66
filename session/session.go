// Package session runs the per-connection protocol that turns a client
// connection into a sequence of chunked, metered and billed generation
// requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/auth"
	"github.com/xraph/tally/chunk"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/meter"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/types"
)

// State is a session's position in the protocol.
type State string

const (
	StateConnecting       State = "connecting"
	StateAuthenticating   State = "authenticating"
	StateMaintenanceCheck State = "maintenance_check"
	StateReady            State = "ready"
	StateGenerating       State = "generating"
	StateSettling         State = "settling"
	StateClosed           State = "closed"
	StateError            State = "error"
)

// Conn is a message-oriented client connection. Only one goroutine
// writes at a time; Close may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Ledger is the subset of the account ledger a session needs.
type Ledger interface {
	Get(ctx context.Context, userID string) (*account.Account, error)
	Debit(ctx context.Context, userID string, tokens int64, cost types.Money) (*account.Account, error)
	CheckEligibilityUnder(p entitlement.Policy, a *account.Account, isSubscriber bool) entitlement.Result
}

// Session is the in-memory state of one connection.
type Session struct {
	ID       string
	UserID   string
	Model    string
	OpenedAt time.Time

	conn   Conn
	cancel context.CancelFunc
	snap   *config.Snapshot

	state  atomic.Value
	mu     sync.Mutex
	tokens int64
	cost   types.Money
}

func (s *Session) setState(st State) { s.state.Store(st) }

// State returns the current protocol state.
func (s *Session) State() State {
	if st, ok := s.state.Load().(State); ok {
		return st
	}
	return StateConnecting
}

// Info returns a point-in-time description of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:       s.ID,
		UserID:   s.UserID,
		Model:    s.Model,
		State:    s.State(),
		OpenedAt: s.OpenedAt,
		Tokens:   s.tokens,
		Cost:     s.cost.Float64(),
	}
}

func (s *Session) record(tokens int64, cost types.Money) {
	s.mu.Lock()
	s.tokens += tokens
	s.cost = s.cost.Add(cost)
	s.mu.Unlock()
}

// Manager serves sessions.
type Manager struct {
	ledger   Ledger
	provider provider.Provider
	verifier auth.Verifier
	config   *config.Holder
	planner  *chunk.Planner
	registry *Registry
	plugins  *plugin.Registry
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithPlugins sets the hook registry.
func WithPlugins(r *plugin.Registry) Option {
	return func(m *Manager) { m.plugins = r }
}

// WithPlanner overrides the chunk planner.
func WithPlanner(p *chunk.Planner) Option {
	return func(m *Manager) { m.planner = p }
}

// WithRegistry shares a session registry, e.g. with a status endpoint.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// NewManager creates a session manager.
func NewManager(l Ledger, p provider.Provider, v auth.Verifier, cfg *config.Holder, opts ...Option) *Manager {
	m := &Manager{
		ledger:   l,
		provider: p,
		verifier: v,
		config:   cfg,
		planner:  chunk.NewPlanner(),
		registry: NewRegistry(),
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the active-session registry.
func (m *Manager) Registry() *Registry { return m.registry }

type inbound struct {
	req Request
	err error
}

// Serve runs the protocol on conn until the client disconnects, ctx is
// cancelled, or a terminal error occurs. conn is always closed on return.
func (m *Manager) Serve(ctx context.Context, conn Conn, credential string) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &Session{
		ID:       id.NewSessionID().String(),
		OpenedAt: time.Now().UTC(),
		conn:     conn,
		cancel:   cancel,
	}
	s.setState(StateConnecting)
	reason := "client disconnected"
	defer func() {
		_ = conn.Close() //nolint:errcheck // closing a possibly dead connection
		if err != nil {
			s.setState(StateError)
			reason = err.Error()
		}
		s.setState(StateClosed)
		if s.UserID != "" {
			m.plugins.EmitSessionClosed(context.WithoutCancel(ctx), s.ID, s.UserID, reason)
		}
		m.logger.Debug("session closed", "session_id", s.ID, "user_id", s.UserID, "reason", reason)
	}()

	s.setState(StateAuthenticating)
	userID, verr := m.verifier.Verify(credential)
	if verr != nil {
		m.logger.Info("session rejected", "session_id", s.ID, "error", verr)
		return m.terminate(s, MsgInvalidToken, tally.ErrUnauthorized)
	}
	s.UserID = userID

	a, gerr := m.ledger.Get(ctx, userID)
	switch {
	case tally.IsNotFound(gerr):
		return m.terminate(s, MsgAccountMissing, gerr)
	case gerr != nil:
		return m.terminate(s, MsgBookkeeping, gerr)
	case a.Disabled:
		return m.terminate(s, MsgAccountDisabled, tally.ErrAccountDisabled)
	}

	s.setState(StateMaintenanceCheck)
	s.snap = m.config.Load()
	s.Model = s.snap.Model
	if s.snap.Maintenance {
		return m.terminate(s, MsgMaintenance, tally.ErrMaintenance)
	}

	release := m.registry.Add(s)
	defer release()
	s.setState(StateReady)
	m.plugins.EmitSessionOpened(ctx, s.ID, userID)
	m.logger.Info("session opened", "session_id", s.ID, "user_id", userID, "model", s.Model)

	// One frame may queue behind an in-flight request so the read loop
	// keeps noticing disconnects.
	reqs := make(chan inbound, 1)
	go m.readLoop(ctx, s, reqs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-reqs:
			if !ok {
				return nil
			}
			if in.err != nil {
				if werr := conn.WriteJSON(errorFrame(MsgBadRequest)); werr != nil {
					return werr
				}
				continue
			}
			if herr := m.handle(ctx, s, in.req); herr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return herr
			}
			s.setState(StateReady)
		}
	}
}

// readLoop decodes client messages. A read failure means the transport is
// gone: the session context is cancelled, which also stops any in-flight
// provider call.
func (m *Manager) readLoop(ctx context.Context, s *Session, out chan<- inbound) {
	defer close(out)
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug("session read ended", "session_id", s.ID, "error", err)
			}
			s.cancel()
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in.req); err != nil {
			in.err = fmt.Errorf("%w: %w", tally.ErrInvalidInput, err)
		}
		select {
		case out <- in:
		case <-ctx.Done():
			return
		}
	}
}

// terminate sends a final error frame and returns cause.
func (m *Manager) terminate(s *Session, msg string, cause error) error {
	_ = s.conn.WriteJSON(errorFrame(msg)) //nolint:errcheck // the connection is closed next anyway
	return cause
}

// handle processes one request. A nil return keeps the session open.
func (m *Manager) handle(ctx context.Context, s *Session, req Request) error {
	reqID := id.NewRequestID()
	log := m.logger.With("session_id", s.ID, "user_id", s.UserID, "request_id", reqID.String())

	if llm := strings.ToLower(strings.TrimSpace(req.Parameters.LLM)); llm != "" && llm != "openai" {
		log.Info("unsupported llm requested", "llm", req.Parameters.LLM)
		return s.conn.WriteJSON(errorFrame(MsgUnsupportedLLM))
	}

	snap := m.config.Load()

	a, err := m.ledger.Get(ctx, s.UserID)
	if err != nil {
		return m.terminate(s, MsgBookkeeping, err)
	}
	if a.Disabled {
		return m.terminate(s, MsgAccountDisabled, tally.ErrAccountDisabled)
	}

	res := m.ledger.CheckEligibilityUnder(snap.Policy, a, req.Input.Subscription)
	if !res.Allowed() {
		log.Info("request blocked", "decision", res.Decision, "balance", res.Balance.String(), "used", res.Used.String())
		m.plugins.EmitEligibilityDenied(ctx, s.UserID, res)
		msg := MsgLowBalance
		if res.Decision == entitlement.MonthlyCapExceeded {
			msg = MsgMonthlyCap
		}
		return s.conn.WriteJSON(errorFrame(msg))
	}

	maxCtx, ok := snap.MaxContext(s.Model)
	if !ok {
		maxCtx = 4096
	}
	segments := m.planner.Plan(req.Input.RawText, maxCtx)
	if len(segments) == 0 {
		return s.conn.WriteJSON(ResultFrame{Type: FrameResult, EOF: true})
	}

	s.setState(StateGenerating)
	settleCtx := context.WithoutCancel(ctx)
	var answer strings.Builder
	for i, seg := range segments {
		usage, units, gerr := m.generate(ctx, s, snap, req, seg, &answer)
		if gerr != nil && (ctx.Err() != nil || !errors.Is(gerr, tally.ErrProvider)) {
			// Client gone. Units it already received are still billed.
			if units > 0 {
				if derr := m.settle(settleCtx, s, usage); derr != nil {
					log.Error("debit after disconnect failed", "error", derr, "units", units)
				} else {
					log.Info("partial segment billed after disconnect", "units", units, "cost", usage.ScaledCost.String())
				}
			}
			return gerr
		}

		if units > 0 || gerr == nil {
			s.setState(StateSettling)
			if derr := m.settle(settleCtx, s, usage); derr != nil {
				log.Error("debit failed", "error", derr, "tokens", usage.ScaledTokens, "cost", usage.ScaledCost.String())
				return m.terminate(s, MsgBookkeeping, derr)
			}
		}

		if gerr != nil {
			log.Warn("provider failed", "segment", i, "segments", len(segments), "error", gerr)
			m.plugins.EmitProviderFailed(ctx, s.UserID, s.Model, gerr)
			return s.conn.WriteJSON(errorFrame(MsgProviderFailed))
		}

		if err := s.conn.WriteJSON(ResultFrame{
			Type:   FrameResult,
			Answer: answer.String(),
			Tokens: usage.ScaledTokens,
			Cost:   usage.ScaledCost.Float64(),
			EOF:    i == len(segments)-1,
		}); err != nil {
			return err
		}
		log.Debug("segment settled",
			"segment", i,
			"segments", len(segments),
			"tokens", usage.ScaledTokens,
			"cost", usage.ScaledCost.String(),
			"priced", usage.Priced,
		)
		s.setState(StateGenerating)
	}
	return nil
}

// settle debits usage from the session's account and records it.
func (m *Manager) settle(ctx context.Context, s *Session, usage meter.Usage) error {
	if _, err := m.ledger.Debit(ctx, s.UserID, usage.ScaledTokens, usage.ScaledCost); err != nil {
		return err
	}
	s.record(usage.ScaledTokens, usage.ScaledCost)
	m.plugins.EmitSegmentSettled(ctx, s.UserID, s.Model, usage.ScaledTokens, usage.ScaledCost)
	return nil
}

// generate streams one segment to the client and meters it. It returns
// the usage of whatever was delivered and how many units that was.
func (m *Manager) generate(
	ctx context.Context,
	s *Session,
	snap *config.Snapshot,
	req Request,
	seg chunk.Segment,
	answer *strings.Builder,
) (meter.Usage, int, error) {
	segCtx, cancel := context.WithTimeout(ctx, snap.SegmentTimeout)
	defer cancel()

	prompt := req.Input.Prompt + "\n\n" + seg.Text
	col := meter.NewCollector(s.Model, snap.Prices, m.logger)
	col.Prompt(prompt)

	events, err := m.provider.Stream(segCtx, provider.Request{
		Model:       s.Model,
		Prompt:      prompt,
		Temperature: float64(req.Parameters.Temperature),
		APIKey:      snap.RandomKey(),
	})
	if err != nil {
		return col.Finish(snap.CostEfficiency), 0, providerErr(err)
	}

	units := 0
	var streamErr error
	for ev := range events {
		switch {
		case ev.Err != nil:
			streamErr = providerErr(ev.Err)
			cancel()
		case ev.Usage != nil:
			m.logger.Debug("provider usage report",
				"session_id", s.ID,
				"prompt_tokens", ev.Usage.PromptTokens,
				"completion_tokens", ev.Usage.CompletionTokens,
			)
		case streamErr == nil:
			if err := s.conn.WriteJSON(streamFrame(ev.Text)); err != nil {
				cancel()
				for range events {
				}
				return col.Finish(snap.CostEfficiency), units, err
			}
			col.Unit()
			units++
			answer.WriteString(ev.Text)
		}
	}

	if streamErr == nil && ctx.Err() != nil {
		streamErr = ctx.Err()
	} else if streamErr == nil && errors.Is(segCtx.Err(), context.DeadlineExceeded) {
		streamErr = fmt.Errorf("%w: segment timed out after %s", tally.ErrProvider, snap.SegmentTimeout)
	}
	return col.Finish(snap.CostEfficiency), units, streamErr
}

func providerErr(err error) error {
	if errors.Is(err, tally.ErrProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", tally.ErrProvider, err)
}
