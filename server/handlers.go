package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/auth"
	"github.com/xraph/tally/payment"
)

const maxBodyBytes = 1 << 20

// TokenResponse is the bearer token handed to a client.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// UserView is the client-facing account representation.
type UserView struct {
	ID            string             `json:"id"`
	Username      string             `json:"username"`
	Email         string             `json:"email,omitempty"`
	FamilyName    string             `json:"family_name,omitempty"`
	GivenName     string             `json:"given_name,omitempty"`
	DollarBalance float64            `json:"dollar_balance"`
	TokenCount    int64              `json:"token_count"`
	DollarUsage   float64            `json:"dollar_usage"`
	MonthlyUsage  map[string]float64 `json:"monthly_usage"`
	AccruedTotal  float64            `json:"accrued_total"`
	Purchases     int                `json:"purchases"`
	LastActiveAt  time.Time          `json:"last_active_at"`
}

func viewOf(a *account.Account) UserView {
	usage := make(map[string]float64, len(a.MonthlyUsage))
	for month, m := range a.MonthlyUsage {
		usage[month] = m.Float64()
	}
	return UserView{
		ID:            a.ID,
		Username:      a.Username,
		Email:         a.Email,
		FamilyName:    a.FamilyName,
		GivenName:     a.GivenName,
		DollarBalance: a.Balance.Float64(),
		TokenCount:    a.TokenCount,
		DollarUsage:   a.DollarUsage.Float64(),
		MonthlyUsage:  usage,
		AccruedTotal:  a.AccruedTotal.Float64(),
		Purchases:     len(a.PurchaseHistory),
		LastActiveAt:  a.LastActiveAt,
	}
}

type tempUserRequest struct {
	Username string `json:"username"`
	DeviceID string `json:"device_id"`
}

// handleTempUser registers a device-keyed account with the signup bonus
// and returns a token for it.
func (s *Server) handleTempUser(w http.ResponseWriter, r *http.Request) {
	var req tempUserRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	device := req.DeviceID
	if device == "" {
		device = req.Username
	}

	a, err := s.ledger.CreateTemp(r.Context(), device, s.config.Load().SignupBonus)
	if err != nil {
		s.logger.Warn("temp account failed", "device_id", device, "error", err)
		writeError(w, err)
		return
	}

	token, err := s.tokens.Issue(a.ID)
	if err != nil {
		s.logger.Error("token issue failed", "user_id", a.ID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": TokenResponse{AccessToken: token, TokenType: "Bearer"},
		"user":  viewOf(a),
	})
}

type redeemRequest struct {
	Coupon string `json:"coupon"`
}

// handleRedeem applies a coupon code to the caller's account. The code is
// taken from the "coupon" query parameter or a JSON body.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	code := r.URL.Query().Get("coupon")
	if code == "" {
		var req redeemRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		code = req.Coupon
	}
	if strings.TrimSpace(code) == "" {
		writeError(w, tally.ValidationError{Field: "coupon", Message: "must not be empty"})
		return
	}

	ok, err := s.ledger.RedeemCoupon(r.Context(), userID, code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	a, err := s.ledger.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if a.Disabled {
		writeError(w, tally.ErrAccountDisabled)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	var p tally.Profile
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.ledger.UpdateProfile(r.Context(), userID, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

// handleDeleteUser disables the caller's account. Records are kept so
// late payment notifications still apply.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	if err := s.ledger.Disable(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": account.Key(userID)})
}

// handleProductIDs returns the product table in the shape the app reads:
// {"ver0":{"productIDs":{"<id>":<price>}}}.
func (s *Server) handleProductIDs(w http.ResponseWriter, _ *http.Request) {
	products := s.config.Load().Raw().Billing.Products
	ids := make(map[string]json.Number, len(products))
	for product, price := range products {
		ids[product] = json.Number(price)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ver0": map[string]any{"productIDs": ids},
	})
}

// StatusResponse is served at {base}/server/status.
type StatusResponse struct {
	ServerTime        time.Time      `json:"server_time"`
	ActiveConnections int            `json:"active_connections"`
	LLMModel          string         `json:"llm_model"`
	ServerMaintenance bool           `json:"server_maintenance"`
	MaxTokenLimits    map[string]int `json:"max_token_limits"`
	ConfigLoadedAt    time.Time      `json:"config_loaded_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.config.Load()
	writeJSON(w, http.StatusOK, StatusResponse{
		ServerTime:        time.Now().UTC(),
		ActiveConnections: s.sessions.Registry().Len(),
		LLMModel:          snap.Model,
		ServerMaintenance: snap.Maintenance,
		MaxTokenLimits:    snap.MaxTokenLimits(),
		ConfigLoadedAt:    snap.LoadedAt,
	})
}

func (s *Server) handleNotice(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, s.config.Load().Notice) //nolint:errcheck // client may be gone
}

// handleNotification applies a verified payment notification. Any non-2xx
// reply asks the platform to redeliver, so only failures worth retrying
// get a 5xx.
func (s *Server) handleNotification(env string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid notification data")
			return
		}

		ev, err := payment.Decode(body)
		if err != nil {
			s.logger.Warn("undecodable notification", "environment", env, "error", err)
			writeDetail(w, http.StatusBadRequest, "Invalid notification data")
			return
		}

		out, err := s.ingest.Handle(r.Context(), ev)
		if err != nil {
			s.logger.Warn("notification not applied",
				"environment", env,
				"kind", ev.Kind,
				"transaction_id", ev.TransactionID,
				"error", err,
			)
			writeError(w, err)
			return
		}

		s.logger.Debug("notification handled",
			"environment", env,
			"kind", ev.Kind,
			"outcome", out,
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return tally.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case tally.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, tally.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, tally.ErrAccountDisabled):
		return http.StatusForbidden
	case errors.Is(err, tally.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, tally.ErrInvalidInput),
		errors.Is(err, tally.ErrUnknownProduct),
		errors.Is(err, tally.ErrUnsupportedKind):
		return http.StatusBadRequest
	case tally.IsFatal(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = http.StatusText(code)
	}
	writeDetail(w, code, msg)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client may be gone
}
