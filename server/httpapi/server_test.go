package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/migadu/warden/config"
	"github.com/migadu/warden/engine"
	"github.com/migadu/warden/pkg/health"
	"github.com/migadu/warden/pkg/metrics"
	"github.com/migadu/warden/policy"
	"github.com/migadu/warden/replication"
	"github.com/migadu/warden/statsdb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKey = "test-api-key"

// --- Mocks ---

type mockSiblings struct {
	mock.Mock
}

func (m *mockSiblings) AddSibling(host string, port int, proto replication.Proto, key *[32]byte) error {
	return m.Called(host, port, proto, key).Error(0)
}

func (m *mockSiblings) RemoveSibling(host string, port int) error {
	return m.Called(host, port).Error(0)
}

func (m *mockSiblings) SetSiblings(sibs []replication.Sibling) error {
	return m.Called(sibs).Error(0)
}

func (m *mockSiblings) SiblingStates() map[string]string {
	return m.Called().Get(0).(map[string]string)
}

type staticHealth health.ComponentStatus

func (h staticHealth) GetOverallStatus() health.ComponentStatus { return health.ComponentStatus(h) }

type failingPersister struct{}

func (failingPersister) Save(context.Context, policy.Kind, policy.Entry) error {
	return errors.New("disk full")
}
func (failingPersister) Delete(context.Context, policy.Kind, policy.Type, string) error {
	return errors.New("disk full")
}
func (failingPersister) LoadActive(context.Context, policy.Kind, time.Time) ([]policy.Entry, error) {
	return nil, nil
}
func (failingPersister) PurgeExpired(context.Context, time.Time) (int64, error) { return 0, nil }
func (failingPersister) Ping(context.Context) error { return nil }
func (failingPersister) Close() error { return nil }
func (failingPersister) Backend() string { return "test" }

// --- Helpers ---

type testEnv struct {
	srv      *Server
	handler  http.Handler
	engine   *engine.Engine
	siblings *mockSiblings
}

func newTestEnv(t *testing.T, mutate func(*ServerOptions, *policy.Options)) *testEnv {
	t.Helper()
	stats, err := statsdb.NewStoreFromConfig(config.NewDefaultConfig().StatsDBs)
	require.NoError(t, err)

	opts := ServerOptions{Addr: "127.0.0.1:0", APIKey: testKey}
	blOpts := policy.Options{}
	if mutate != nil {
		mutate(&opts, &blOpts)
	}
	eng, err := engine.New(engine.Options{
		Config:    config.DefaultEngineConfig(),
		Stats:     stats,
		Blacklist: policy.New(policy.Blacklist, blOpts),
		Whitelist: policy.New(policy.Whitelist, policy.Options{}),
	})
	require.NoError(t, err)

	sibs, _ := opts.Siblings.(*mockSiblings)
	srv, err := New(eng, opts)
	require.NoError(t, err)
	return &testEnv{srv: srv, handler: srv.Handler(), engine: eng, siblings: sibs}
}

func (e *testEnv) do(t *testing.T, method, command string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/?command="+command, &buf)
	req.SetBasicAuth("wforce", testKey)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// --- Tests ---

func TestNewValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := New(env.engine, ServerOptions{})
	assert.Error(t, err, "API key is required")

	_, err = New(env.engine, ServerOptions{APIKey: "k", TLS: true})
	assert.Error(t, err, "TLS needs cert and key")

	_, err = New(nil, ServerOptions{APIKey: "k"})
	assert.Error(t, err)
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"basic wrong password", "Basic " + base64.StdEncoding.EncodeToString([]byte("wforce:nope")), http.StatusForbidden},
		{"basic", "Basic " + base64.StdEncoding.EncodeToString([]byte("anyone:" + testKey)), http.StatusOK},
		{"bearer", "Bearer " + testKey, http.StatusOK},
		{"bearer wrong", "Bearer nope", http.StatusForbidden},
		{"unknown scheme", "Token " + testKey, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/command/ping", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAllowedHosts(t *testing.T) {
	tests := []struct {
		name    string
		proxies []string
		remote  string
		xff     string
		want    int
	}{
		{"cidr", nil, "10.1.2.3:5000", "", http.StatusOK},
		{"exact", nil, "192.0.2.7:5000", "", http.StatusOK},
		{"mapped v4", nil, "[::ffff:192.0.2.7]:5000", "", http.StatusOK},
		{"outside", nil, "192.0.2.8:5000", "", http.StatusForbidden},
		{"spoofed forwarded for", nil, "203.0.113.5:5000", "10.1.1.1", http.StatusForbidden},
		{"trusted proxy forwards allowed client", []string{"203.0.113.5"}, "203.0.113.5:5000", "10.1.1.1", http.StatusOK},
		{"trusted proxy forwards other client", []string{"203.0.113.5"}, "203.0.113.5:5000", "198.51.100.1", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(o *ServerOptions, _ *policy.Options) {
				o.AllowedHosts = []string{"10.0.0.0/8", "192.0.2.7"}
				o.TrustedProxies = tt.proxies
			})
			req := httptest.NewRequest(http.MethodGet, "/command/ping", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			req.Header.Set("Authorization", "Bearer "+testKey)
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUnknownCommandAndMethod(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "frobnicate", map[string]string{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "failure", decode(t, rec)["status"])

	rec = env.do(t, http.MethodGet, "allow", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReportThenAllowDenies(t *testing.T) {
	env := newTestEnv(t, nil)
	before := testutil.ToFloat64(metrics.CommandsTotal.WithLabelValues("report"))

	for i := 0; i < 100; i++ {
		rec := env.do(t, http.MethodPost, "report", map[string]any{
			"login": "baddie", "remote": "127.0.0.1", "pwhash": fmt.Sprintf("1234%d", i), "success": false,
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, float64(100), testutil.ToFloat64(metrics.CommandsTotal.WithLabelValues("report"))-before)

	rec := env.do(t, http.MethodPost, "allow", map[string]any{"login": "baddie", "remote": "127.0.0.1", "pwhash": "1234"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(-1), body["status"])
	assert.NotEmpty(t, body["msg"])
	assert.Contains(t, body, "r_attrs")

	rec = env.do(t, http.MethodPost, "reset", map[string]string{"login": "baddie", "ip": "127.0.0.1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = env.do(t, http.MethodPost, "allow", map[string]any{"login": "baddie", "remote": "127.0.0.1", "pwhash": "1234"})
	assert.Equal(t, float64(0), decode(t, rec)["status"])
}

func TestMalformedInputIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		command string
		body    any
	}{
		{"allow without remote", "allow", map[string]string{"login": "bob"}},
		{"allow bad remote", "allow", map[string]string{"login": "bob", "remote": "not-an-ip"}},
		{"report without login", "report", map[string]string{"remote": "127.0.0.1"}},
		{"reset without keys", "reset", map[string]string{}},
		{"add entry without key", "addBLEntry", map[string]any{"expire_secs": 10}},
		{"add entry bad expiry", "addBLEntry", map[string]any{"ip": "127.0.0.1", "expire_secs": 0}},
		{"add entry bad ip", "addBLEntry", map[string]any{"ip": "300.0.0.1", "expire_secs": 10}},
		{"named without login", "countLogins", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.command, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, "failure", body["status"])
			assert.NotEmpty(t, body["reason"])
		})
	}

	// Empty and invalid JSON bodies.
	req := httptest.NewRequest(http.MethodPost, "/command/allow", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "reset", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "reset", map[string]string{})
	assert.Equal(t, "No ip or login field supplied", decode(t, rec)["reason"])
	assert.Empty(t, env.engine.Blacklist().Entries(), "rejected input mutates nothing")
}

func TestBlacklistCommands(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "addBLEntry", map[string]any{"ip": "192.0.2.1", "login": "bob", "expire_secs": 60, "reason": "abuse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, "addBLEntry", map[string]any{"netmask": "198.51.100.0/24", "expire_secs": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "getBL", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Entries []map[string]any `json:"bl_entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "198.51.100.0/24", list.Entries[0]["ip"])
	assert.Equal(t, "192.0.2.1:bob", list.Entries[1]["iplogin"])
	assert.Equal(t, "abuse", list.Entries[1]["reason"])
	assert.InDelta(t, 60, list.Entries[1]["expire_secs"], 1)
	assert.NotEmpty(t, list.Entries[1]["expiration"])

	// The subnet entry denies any address inside it.
	rec = env.do(t, http.MethodPost, "allow", map[string]any{"login": "carol", "remote": "198.51.100.77"})
	body := decode(t, rec)
	assert.Equal(t, float64(-1), body["status"])
	assert.Equal(t, "Temporarily blacklisted IP Address - try again later", body["msg"])

	rec = env.do(t, http.MethodPost, "delBLEntry", map[string]any{"ip": "192.0.2.1", "login": "bob"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "delBLEntry", map[string]any{"ip": "192.0.2.1", "login": "bob"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["status"])
}

func TestAddEntryRejectsOutOfRangeExpiry(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, secs := range []int64{0, -5, policy.MaxExpireSecs + 1, 18446744074} {
		rec := env.do(t, http.MethodPost, "addBLEntry", map[string]any{"ip": "198.51.100.9", "expire_secs": secs})
		assert.Equal(t, http.StatusBadRequest, rec.Code, secs)
		assert.Equal(t, "failure", decode(t, rec)["status"])
	}
	assert.Empty(t, env.engine.Blacklist().Entries())

	rec := env.do(t, http.MethodPost, "addBLEntry", map[string]any{"ip": "198.51.100.9", "expire_secs": policy.MaxExpireSecs})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "allow", map[string]any{"login": "bob", "remote": "198.51.100.9"})
	assert.Equal(t, float64(-1), decode(t, rec)["status"])
}

func TestGetBLPrintsSingleHostsBare(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, ip := range []string{"198.51.100.9", "2001:db8::1"} {
		rec := env.do(t, http.MethodPost, "addBLEntry", map[string]any{"ip": ip, "expire_secs": 60})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "getBL", nil)
	var list struct {
		Entries []map[string]any `json:"bl_entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	var ips []any
	for _, e := range list.Entries {
		ips = append(ips, e["ip"])
	}
	assert.ElementsMatch(t, []any{"198.51.100.9", "2001:db8::1"}, ips)
}

func TestWhitelistCommands(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "addWLEntry", map[string]any{"login": "Alice", "expire_secs": 60})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "getWL", nil)
	var list struct {
		Entries []map[string]any `json:"wl_entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "Alice", list.Entries[0]["login"])

	rec = env.do(t, http.MethodPost, "allow", map[string]any{"login": "Alice", "remote": "203.0.113.9"})
	assert.Equal(t, float64(0), decode(t, rec)["status"])
}

func TestPersistenceFailureIs500(t *testing.T) {
	env := newTestEnv(t, func(_ *ServerOptions, bl *policy.Options) {
		bl.Persister = failingPersister{}
		bl.Persist = true
	})

	rec := env.do(t, http.MethodPost, "addBLEntry", map[string]any{"login": "bob", "expire_secs": 60})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["reason"], "disk full")
	assert.Empty(t, env.engine.Blacklist().Entries())
}

func TestGetDBStats(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 3; i++ {
		env.do(t, http.MethodPost, "report", map[string]any{"login": "bob", "remote": "192.0.2.1", "pwhash": fmt.Sprint(i)})
	}
	env.do(t, http.MethodPost, "incLogins", map[string]string{"login": "bob"})
	env.do(t, http.MethodPost, "addBLEntry", map[string]any{"login": "bob", "expire_secs": 60, "reason": "test"})

	rec := env.do(t, http.MethodPost, "getDBStats", map[string]string{"login": "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "bob", body["login"])
	assert.Equal(t, true, body["blacklisted"])
	assert.Equal(t, "test", body["bl_reason"])
	assert.Equal(t, false, body["whitelisted"])
	assert.Equal(t, float64(1), body["countLogins"])

	stats := body["stats"].(map[string]any)["OneHourDB"].(map[string]any)
	assert.Equal(t, float64(3), stats["countLogins"])
	assert.InDelta(t, 3, stats["diffPasswords"], 0.5)

	windows := body["windows"].(map[string]any)["OneHourDB"].(map[string]any)
	perWindow := windows["countLogins"].([]any)
	require.Len(t, perWindow, 6)
	assert.Equal(t, float64(3), perWindow[0])

	rec = env.do(t, http.MethodPost, "getDBStats", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNamedCounterCommands(t *testing.T) {
	env := newTestEnv(t, nil)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "incLogins", map[string]string{"login": "bob"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "countLogins", map[string]string{"login": "bob"})
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, map[string]any{"countLogins": "2"}, body["r_attrs"])

	rec = env.do(t, http.MethodPost, "resetLogins", map[string]string{"login": "bob"})
	assert.Equal(t, map[string]any{"countLogins": "0"}, decode(t, rec)["r_attrs"])

	rec = env.do(t, http.MethodPost, "countLogins", map[string]string{"login": "bob"})
	assert.Equal(t, map[string]any{"countLogins": "0"}, decode(t, rec)["r_attrs"])
}

func TestSiblingCommandsWithoutReplication(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "addSibling", map[string]any{"sibling_host": "10.0.0.2", "sibling_port": 4001})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSiblingCommands(t *testing.T) {
	sibs := &mockSiblings{}
	env := newTestEnv(t, func(o *ServerOptions, _ *policy.Options) { o.Siblings = sibs })

	key := make([]byte, 32)
	key[0] = 7
	var want [32]byte
	copy(want[:], key)

	sibs.On("AddSibling", "10.0.0.2", 4004, replication.TCP, &want).Return(nil).Once()
	rec := env.do(t, http.MethodPost, "addSibling", map[string]any{
		"sibling_host":     "10.0.0.2",
		"sibling_port":     4004,
		"sibling_protocol": "tcp",
		"encryption_key":   base64.StdEncoding.EncodeToString(key),
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "addSibling", map[string]any{"sibling_host": "10.0.0.2", "sibling_protocol": "sctp"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "addSibling", map[string]any{"sibling_host": "10.0.0.2", "encryption_key": "short"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sibs.On("AddSibling", "10.0.0.3", 0, replication.UDP, (*[32]byte)(nil)).Return(replication.ErrNoKey).Once()
	rec = env.do(t, http.MethodPost, "addSibling", map[string]any{"sibling_host": "10.0.0.3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sibs.On("RemoveSibling", "10.0.0.2", 4004).Return(nil).Once()
	rec = env.do(t, http.MethodPost, "removeSibling", map[string]any{"sibling_host": "10.0.0.2", "sibling_port": 4004})
	assert.Equal(t, http.StatusOK, rec.Code)

	sibs.On("RemoveSibling", "10.0.0.9", replication.DefaultPort).Return(replication.ErrUnknownSibling).Once()
	rec = env.do(t, http.MethodPost, "removeSibling", map[string]any{"sibling_host": "10.0.0.9"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sibs.On("SetSiblings", mock.MatchedBy(func(s []replication.Sibling) bool {
		return len(s) == 2 &&
			s[0].Host == "10.0.0.4" && s[0].Port == 4100 && s[0].Proto == replication.TCP &&
			s[1].Host == "10.0.0.5" && s[1].Port == 4001 && s[1].Proto == replication.UDP
	})).Return(nil).Once()
	rec = env.do(t, http.MethodPost, "setSiblings", map[string]any{
		"siblings": []any{"10.0.0.4:4100:tcp", map[string]any{"sibling_host": "10.0.0.5", "sibling_port": 4001}},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "setSiblings", map[string]any{"siblings": []any{"10.0.0.4:notaport"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, "setSiblings", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sibs.AssertExpectations(t)
}

func TestPingAndStats(t *testing.T) {
	sibs := &mockSiblings{}
	sibs.On("SiblingStates").Return(map[string]string{"10.0.0.2:4001": "connected"})
	env := newTestEnv(t, func(o *ServerOptions, _ *policy.Options) {
		o.Siblings = sibs
		o.Health = staticHealth(health.StatusDegraded)
	})

	rec := env.do(t, http.MethodGet, "ping", nil)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
	env.do(t, http.MethodGet, "ping", nil)

	rec = env.do(t, http.MethodGet, "stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(2), st.Commands["ping"])
	assert.Equal(t, int64(1), st.Commands["stats"])
	assert.Equal(t, int64(0), st.Commands["allow"])
	assert.Equal(t, "connected", st.Siblings["10.0.0.2:4001"])

	healthy := newTestEnv(t, func(o *ServerOptions, _ *policy.Options) { o.Health = staticHealth(health.StatusHealthy) })
	assert.Equal(t, "ok", decode(t, healthy.do(t, http.MethodGet, "ping", nil))["status"])
}

func TestClientIPIgnoresForwardingHeadersFromUntrustedPeers(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", env.srv.clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", env.srv.clientIP(req))
}

func TestClientIPHonoursTrustedProxies(t *testing.T) {
	env := newTestEnv(t, func(o *ServerOptions, _ *policy.Options) {
		o.TrustedProxies = []string{"192.0.2.0/24"}
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", env.srv.clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", env.srv.clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", env.srv.clientIP(req))

	req.RemoteAddr = "203.0.113.9:1234"
	assert.Equal(t, "203.0.113.9", env.srv.clientIP(req))
}
