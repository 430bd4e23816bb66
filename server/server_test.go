package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/auth"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/coupon"
	"github.com/xraph/tally/payment"
	"github.com/xraph/tally/provider"
	"github.com/xraph/tally/server"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

const secret = "0123456789abcdef0123456789abcdef"

func echo(ctx context.Context, req provider.Request) (<-chan provider.Event, error) {
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, u := range []string{"Sum", "mary"} {
			select {
			case ch <- provider.Event{Text: u}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

type harness struct {
	ledger *tally.Ledger
	tokens *auth.Tokens
	srv    *server.Server
	ts     *httptest.Server
}

func newHarness(t *testing.T, mutate func(*config.Config), opts ...server.Option) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Notice = "<p>Scheduled upgrade on Sunday.</p>"
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(&cfg)
	}
	snap, err := config.Build(cfg)
	require.NoError(t, err)
	holder := config.NewHolder(snap)

	tokens, err := auth.NewTokens(secret, time.Hour)
	require.NoError(t, err)

	l := tally.New(memory.New(), tally.WithRetryPolicy(100, time.Microsecond, time.Millisecond))
	manager := session.NewManager(l, provider.Func(echo), tokens, holder)
	ingest := payment.NewIngest(l, holder)

	h := &harness{ledger: l, tokens: tokens}
	h.srv = server.New(l, manager, ingest, tokens, holder, opts...)
	h.ts = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, token, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := h.tokens.Issue(userID)
	require.NoError(t, err)
	return tok
}

func TestTempUserLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodPost, "/secretari/users/temp", "", `{"username":"device-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var created struct {
		Token server.TokenResponse `json:"token"`
		User  server.UserView      `json:"user"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "Bearer", created.Token.TokenType)
	assert.Equal(t, "DEVICE-1", created.User.ID)
	assert.InDelta(t, 0.2, created.User.DollarBalance, 1e-9)
	tok := created.Token.AccessToken

	resp, body = h.do(t, http.MethodGet, "/secretari/users", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = h.do(t, http.MethodPut, "/secretari/users", tok, `{"email":"ada@example.com","given_name":"Ada"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated server.UserView
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "ada@example.com", updated.Email)
	assert.Equal(t, "Ada", updated.GivenName)
	assert.InDelta(t, 0.2, updated.DollarBalance, 1e-9)

	resp, body = h.do(t, http.MethodDelete, "/secretari/users", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":"DEVICE-1"}`, string(body))

	resp, _ = h.do(t, http.MethodGet, "/secretari/users", tok, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTempUserRequiresDevice(t *testing.T) {
	h := newHarness(t, nil)
	resp, _ := h.do(t, http.MethodPost, "/secretari/users/temp", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/secretari/users/temp", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUserRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)

	resp, body := h.do(t, http.MethodGet, "/secretari/users", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"Could not validate credentials"}`, string(body))
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp, _ = h.do(t, http.MethodGet, "/secretari/users", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/secretari/users", h.token(t, "nobody"), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRedeemCoupon(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.ledger.Create(ctx, account.New("u1", types.USD(0), time.Now().UTC()))
	require.NoError(t, err)
	require.NoError(t, h.ledger.CreateCoupon(ctx, &coupon.Coupon{Code: "welcome5", Amount: types.USD(5_000_000)}))
	tok := h.token(t, "u1")

	resp, body := h.do(t, http.MethodPost, "/secretari/users/redeem?coupon=WELCOME5", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "true", strings.TrimSpace(string(body)))

	resp, body = h.do(t, http.MethodPost, "/secretari/users/redeem", tok, `{"coupon":"welcome5"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "false", strings.TrimSpace(string(body)))

	resp, _ = h.do(t, http.MethodPost, "/secretari/users/redeem", tok, `{"coupon":" "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	a, err := h.ledger.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(types.USD(5_000_000)))
}

func TestInfoEndpoints(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Maintenance = true })

	resp, body := h.do(t, http.MethodGet, "/secretari/productids", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ver0":{"productIDs":{"890842":8.99,"Yearly.bunny0":89.99,"monthly.bunny0":8.99}}}`, string(body))

	resp, body = h.do(t, http.MethodGet, "/secretari/server/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status server.StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "gpt-4o", status.LLMModel)
	assert.True(t, status.ServerMaintenance)
	assert.Equal(t, 0, status.ActiveConnections)
	assert.Equal(t, 4096, status.MaxTokenLimits["gpt-4"])

	resp, body = h.do(t, http.MethodGet, "/secretari/notice", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Equal(t, "<p>Scheduled upgrade on Sunday.</p>", string(body))

	resp, _ = h.do(t, http.MethodGet, "/notice", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.ledger.Create(ctx, account.New("a1b2-c3", types.USD(0), time.Now().UTC()))
	require.NoError(t, err)

	charge := `{"notificationType":"ONE_TIME_CHARGE","transaction":{"productId":"890842","transactionId":"tx-1","quantity":1,"appAccountToken":"a1b2-c3"}}`

	for _, path := range []string{
		"/secretari/app_server_notifications_production",
		"/secretari/app_server_notifications_sandbox",
	} {
		resp, body := h.do(t, http.MethodPost, path, "", charge)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		assert.JSONEq(t, `{"status":"ok"}`, string(body))
	}

	a, err := h.ledger.Get(ctx, "A1B2-C3")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(types.USD(8_990_000)), "balance %s", a.Balance)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{oops`, http.StatusBadRequest},
		{"unknown product", `{"notificationType":"ONE_TIME_CHARGE","transaction":{"productId":"nope","transactionId":"tx-2","appAccountToken":"a1b2-c3"}}`, http.StatusBadRequest},
		{"unknown account", `{"notificationType":"ONE_TIME_CHARGE","transaction":{"productId":"890842","transactionId":"tx-3","appAccountToken":"ghost"}}`, http.StatusNotFound},
		{"refund", `{"notificationType":"REFUND","transaction":{"productId":"890842","transactionId":"tx-1","appAccountToken":"a1b2-c3"}}`, http.StatusOK},
		{"unhandled kind", `{"notificationType":"PRICE_INCREASE"}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, "/secretari/app_server_notifications_production", "", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode, string(body))
		})
	}
}

func dial(t *testing.T, h *harness, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/secretari/ws/?token=" + token
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestWebsocketSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.ledger.Create(ctx, account.New("u1", types.USD(1_000_000), time.Now().UTC()))
	require.NoError(t, err)

	ws := dial(t, h, h.token(t, "u1"))
	require.NoError(t, ws.WriteJSON(map[string]any{
		"input":      map[string]any{"rawtext": "Standup notes for Monday.", "prompt": "Summarize"},
		"parameters": map[string]any{"llm": "openai", "temperature": "0.0"},
	}))

	assert.Equal(t, map[string]any{"type": "stream", "data": "Sum"}, readFrame(t, ws))
	assert.Equal(t, map[string]any{"type": "stream", "data": "mary"}, readFrame(t, ws))
	result := readFrame(t, ws)
	assert.Equal(t, session.FrameResult, result["type"])
	assert.Equal(t, "Summary", result["answer"])
	assert.Equal(t, true, result["eof"])

	resp, body := h.do(t, http.MethodGet, "/secretari/server/status", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status server.StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, 1, status.ActiveConnections)

	a, err := h.ledger.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Positive(t, a.TokenCount)
	assert.InDelta(t, result["cost"].(float64), a.DollarUsage.Float64(), 1e-9)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)
	ws := dial(t, h, "bogus")

	frame := readFrame(t, ws)
	assert.Equal(t, session.FrameError, frame["type"])
	assert.Equal(t, session.MsgInvalidToken, frame["message"])

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, nil, server.WithRateLimiter(server.NewRateLimiter(0.001, 2, nil)))

	for range 2 {
		resp, _ := h.do(t, http.MethodGet, "/secretari/notice", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := h.do(t, http.MethodGet, "/secretari/notice", "", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.JSONEq(t, `{"detail":"Too many requests"}`, string(body))
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestRateLimiterSweep(t *testing.T) {
	rl := server.NewRateLimiter(1, 1, nil)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, addr := range []string{"10.0.0.1:5000", "10.0.0.2:5000"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	assert.Equal(t, 0, rl.Sweep(time.Now()))
	assert.Equal(t, 2, rl.Sweep(time.Now().Add(time.Hour)))
}

func TestMetricsAndCustomBase(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "tally_up 1\n")
	})
	h := newHarness(t, func(c *config.Config) { c.Server.BasePath = "/api/" }, server.WithMetrics(metrics))
	assert.Equal(t, "/api", h.srv.BasePath())

	resp, body := h.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tally_up 1\n", string(body))

	resp, _ = h.do(t, http.MethodGet, "/api/notice", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
