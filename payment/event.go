// Package payment applies already-verified app-store notifications to the
// account ledger.
package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
)

// Notification kinds beyond the creditable purchase kinds.
const (
	KindConsumptionRequest account.Kind = "CONSUMPTION_REQUEST"
)

// Event is the subset of a decoded platform notification the ledger consumes.
type Event struct {
	Kind                  account.Kind `json:"kind"`
	ProductID             string       `json:"productId"`
	TransactionID         string       `json:"transactionId"`
	OriginalTransactionID string       `json:"originalTransactionId"`
	PurchasedAt           time.Time    `json:"purchaseDate"`
	OriginalPurchasedAt   time.Time    `json:"originalPurchaseDate"`
	Quantity              int64        `json:"quantity"`
	// AppAccountToken is the account id the app attached to the purchase.
	AppAccountToken string `json:"appAccountToken"`
}

// UserID is the account key the event belongs to.
func (e Event) UserID() string { return account.Key(e.AppAccountToken) }

// Decode reads an event from JSON. Both a flat object and the platform's
// {"notificationType": ..., "transaction": {...}} envelope are accepted.
// Timestamps are Unix milliseconds.
func Decode(body []byte) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, fmt.Errorf("%w: notification is not valid JSON", tally.ErrInvalidInput)
	}
	doc := gjson.ParseBytes(body)

	tx := doc
	if t := doc.Get("transaction"); t.IsObject() {
		tx = t
	}

	kind := doc.Get("kind").String()
	if kind == "" {
		kind = doc.Get("notificationType").String()
	}

	ev := Event{
		Kind:                  account.Kind(strings.ToUpper(strings.TrimSpace(kind))),
		ProductID:             tx.Get("productId").String(),
		TransactionID:         tx.Get("transactionId").String(),
		OriginalTransactionID: tx.Get("originalTransactionId").String(),
		PurchasedAt:           millis(tx.Get("purchaseDate")),
		OriginalPurchasedAt:   millis(tx.Get("originalPurchaseDate")),
		Quantity:              tx.Get("quantity").Int(),
		AppAccountToken:       tx.Get("appAccountToken").String(),
	}

	if ev.Kind == "" {
		return Event{}, fmt.Errorf("%w: notification kind is missing", tally.ErrInvalidInput)
	}
	return ev, nil
}

func millis(r gjson.Result) time.Time {
	if !r.Exists() || r.Int() == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Int()).UTC()
}
