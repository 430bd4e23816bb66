package observability_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/entitlement"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/types"
)

func counter(t *testing.T, p *observability.Prometheus, name string) float64 {
	t.Helper()
	c, ok := p.Counter(name).(prometheus.Counter)
	require.True(t, ok)
	return testutil.ToFloat64(c)
}

func TestMetricsFollowLedgerEvents(t *testing.T) {
	ctx := context.Background()
	prom := observability.NewPrometheus()
	metrics := observability.NewMetricsExtension(prom)

	l := tally.New(memory.New(), tally.WithPlugin(metrics))
	_, err := l.Create(ctx, account.New("u1", types.USD(1_000_000), time.Now().UTC()))
	require.NoError(t, err)

	_, err = l.Debit(ctx, "u1", 120, types.USD(50_000))
	require.NoError(t, err)
	_, err = l.Debit(ctx, "u1", 80, types.USD(25_000))
	require.NoError(t, err)

	p := account.Purchase{
		Kind:          account.KindCharge,
		ProductID:     "890842",
		TransactionID: "tx-1",
		Quantity:      1,
		Amount:        types.USD(8_990_000),
	}
	_, err = l.Credit(ctx, "u1", p)
	require.NoError(t, err)
	_, err = l.Credit(ctx, "u1", p)
	require.ErrorIs(t, err, tally.ErrDuplicateEvent)

	require.NoError(t, l.Disable(ctx, "u1"))

	assert.Equal(t, 1.0, counter(t, prom, "tally.account.created"))
	assert.Equal(t, 2.0, counter(t, prom, "tally.debit.applied"))
	assert.Equal(t, 1.0, counter(t, prom, "tally.credit.applied"))
	assert.Equal(t, 1.0, counter(t, prom, "tally.credit.duplicates"))
	assert.Equal(t, 1.0, counter(t, prom, "tally.account.disabled"))
}

func TestEligibilityDeniedByReason(t *testing.T) {
	ctx := context.Background()
	prom := observability.NewPrometheus()
	m := observability.NewMetricsExtension(prom)

	require.NoError(t, m.OnEligibilityDenied(ctx, "u1", entitlement.Result{Decision: entitlement.InsufficientBalance}))
	require.NoError(t, m.OnEligibilityDenied(ctx, "u1", entitlement.Result{Decision: entitlement.MonthlyCapExceeded}))
	require.NoError(t, m.OnEligibilityDenied(ctx, "u1", entitlement.Result{Decision: entitlement.MonthlyCapExceeded}))

	assert.Equal(t, 1.0, counter(t, prom, "tally.eligibility.denied.low_balance"))
	assert.Equal(t, 2.0, counter(t, prom, "tally.eligibility.denied.monthly_cap"))
}

func TestPrometheusHandlerAndMiddleware(t *testing.T) {
	prom := observability.NewPrometheus()
	prom.Counter("tally.session.opened").Inc()
	prom.GaugeFunc("tally.session.active", "Open sessions.", func() float64 { return 3 })

	r := mux.NewRouter()
	r.Use(prom.Middleware)
	r.HandleFunc("/users/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Handle("/metrics", prom.Handler())

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/users/42")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "tally_session_opened_total 1")
	assert.Contains(t, string(body), "tally_session_active 3")
	assert.Contains(t, string(body), `tally_http_requests_total{method="GET",path="/users/{id}",status="202"} 1`)
}

func TestFactoryReusesMetrics(t *testing.T) {
	prom := observability.NewPrometheus()
	a := prom.Counter("tally.coupon.redeemed")
	b := prom.Counter("tally.coupon.redeemed")
	a.Inc()
	b.Add(2)
	assert.Equal(t, 3.0, counter(t, prom, "tally.coupon.redeemed"))
	assert.Same(t, prom.Histogram("tally.debit.tokens"), prom.Histogram("tally.debit.tokens"))
}
