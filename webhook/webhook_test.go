package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/warden/config"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	header http.Header
	body   []byte
}

type recorder struct {
	mu     sync.Mutex
	reqs   []received
	status int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.reqs = append(r.reqs, received{header: req.Header.Clone(), body: body})
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func (r *recorder) get(i int) received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[i]
}

type fakeAllow struct {
	Status int    `json:"status"`
	Type   string `json:"type"`
}

func (f *fakeAllow) AllowStatus() int { return f.Status }

func startDispatcher(t *testing.T, cfgs ...config.WebhookConfig) *Dispatcher {
	t.Helper()
	d, err := New(cfgs)
	require.NoError(t, err)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestDeliveryHeadersAndSignature(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := startDispatcher(t, config.WebhookConfig{
		ID:        "audit",
		URL:       srv.URL,
		Events:    []string{"reset", "addbl"},
		Secret:    "s3cret",
		BasicAuth: "hook:pw",
	})

	d.Notify("reset", map[string]string{"login": "bob", "type": "wforce_reset"})
	d.Notify("report", map[string]string{"login": "ignored"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	got := rec.get(0)

	assert.Equal(t, "reset", got.header.Get(HeaderEvent))
	assert.Equal(t, "audit", got.header.Get(HeaderHookID))
	assert.Equal(t, "application/json", got.header.Get("Content-Type"))
	_, err := uuid.Parse(got.header.Get(HeaderDelivery))
	assert.NoError(t, err)
	assert.True(t, Verify("s3cret", got.body, got.header.Get(HeaderSignature)))
	assert.False(t, Verify("other", got.body, got.header.Get(HeaderSignature)))

	req := &http.Request{Header: got.header}
	user, pass, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "hook", user)
	assert.Equal(t, "pw", pass)

	var body map[string]string
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, "wforce_reset", body["type"])

	// The unsubscribed report event never arrives.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestAllowFilter(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := startDispatcher(t, config.WebhookConfig{
		URL:         srv.URL,
		Events:      []string{"allow"},
		AllowFilter: []string{"reject"},
	})

	d.Notify("allow", &fakeAllow{Status: 0, Type: "wforce_allow"})
	d.Notify("allow", &fakeAllow{Status: -1, Type: "wforce_allow"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.count())

	var body fakeAllow
	require.NoError(t, json.Unmarshal(rec.get(0).body, &body))
	assert.Equal(t, -1, body.Status)
	assert.Equal(t, "1", rec.get(0).header.Get(HeaderHookID))
}

func TestCircuitBreakerOpens(t *testing.T) {
	rec := &recorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := startDispatcher(t, config.WebhookConfig{
		ID:                      "flaky",
		URL:                     srv.URL,
		Events:                  []string{"report"},
		Workers:                 1,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   "1h",
	})

	failures := testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("flaky", "failure"))
	open := testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("flaky", "circuit_open"))

	for i := 0; i < 4; i++ {
		d.Notify("report", map[string]int{"n": i})
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("flaky", "circuit_open"))-open == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, rec.count(), "the breaker stops calling the receiver")
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("flaky", "failure"))-failures)
}

func TestQueueFullDrops(t *testing.T) {
	d, err := New([]config.WebhookConfig{{ID: "slow", URL: "http://127.0.0.1:1", Events: []string{"report"}, QueueSize: 1}})
	require.NoError(t, err)
	// Not started, so nothing drains the queue.
	before := testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("slow", "dropped"))
	d.Notify("report", map[string]int{"n": 1})
	d.Notify("report", map[string]int{"n": 2})
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.WebhookDeliveriesTotal.WithLabelValues("slow", "dropped"))-before)
}

func TestRateLimitPacesDeliveries(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := startDispatcher(t, config.WebhookConfig{URL: srv.URL, Events: []string{"report"}, Rate: 20, Workers: 1})
	start := time.Now()
	for i := 0; i < 5; i++ {
		d.Notify("report", map[string]int{"n": i})
	}
	require.Eventually(t, func() bool { return rec.count() == 5 }, 5*time.Second, 5*time.Millisecond)
	// One token up front, then four more at 20/s.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestInvalidTimeout(t *testing.T) {
	_, err := New([]config.WebhookConfig{{URL: "http://x", Timeout: "soon"}})
	assert.Error(t, err)
}
