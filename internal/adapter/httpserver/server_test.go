package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Lybley/lifeos-sub001/internal/adapter/metrics"
	"github.com/Lybley/lifeos-sub001/internal/adapter/redis"
	"github.com/Lybley/lifeos-sub001/internal/adapter/sse"
	"github.com/Lybley/lifeos-sub001/internal/adapter/websocket"
	"github.com/Lybley/lifeos-sub001/internal/broker"
	"github.com/Lybley/lifeos-sub001/internal/dispatch"
	"github.com/Lybley/lifeos-sub001/internal/domain"
	"github.com/Lybley/lifeos-sub001/internal/ratelimit"
	"github.com/Lybley/lifeos-sub001/internal/registry"
	gorilla "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInternalKey = "internal-test-key"

type staticAuth map[string]string

func (a staticAuth) Authenticate(_ context.Context, token string) (string, error) {
	if userID, ok := a[token]; ok {
		return userID, nil
	}
	return "", domain.ErrUnauthorized
}

// loopbackBus delivers every publish straight back into the broker.
type loopbackBus struct {
	broker *broker.Broker
}

func (b *loopbackBus) Subscribe(context.Context, ...string) error   { return nil }
func (b *loopbackBus) Unsubscribe(context.Context, ...string) error { return nil }

func (b *loopbackBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.broker.Deliver(channel, payload)
	return nil
}

type fakeInstances struct {
	instances []redis.InstanceInfo
	err       error
}

func (f *fakeInstances) ActiveInstances(context.Context) ([]redis.InstanceInfo, error) {
	return f.instances, f.err
}

type testOption func(*Deps, *Options)

func withHealthChecks(checks ...HealthCheck) testOption {
	return func(d *Deps, _ *Options) { d.HealthChecks = checks }
}

func withInstances(l instanceLister) testOption {
	return func(d *Deps, _ *Options) { d.Instances = l }
}

func withLimits(l *ConnectionLimits) testOption {
	return func(d *Deps, _ *Options) { d.Limits = l }
}

func withAPIRate(perSec float64, burst int) testOption {
	return func(_ *Deps, o *Options) {
		o.APIRatePerSec = perSec
		o.APIBurst = burst
	}
}

func withoutAPIKey() testOption {
	return func(_ *Deps, o *Options) { o.InternalAPIKey = "" }
}

type testEnv struct {
	server   *Server
	http     *httptest.Server
	registry *registry.Registry
	clock    *clockwork.FakeClock
	metrics  *prometheus.Registry
}

func newTestEnv(t *testing.T, opts ...testOption) *testEnv {
	t.Helper()

	reg := metrics.NewRegistry("test-instance", "test")
	bus := &loopbackBus{}
	b := broker.New(bus, metrics.NewBusMetrics(reg))
	bus.broker = b

	registryClock := clockwork.NewFakeClock()
	limiter, err := ratelimit.New(10, 20, 100*time.Millisecond, registryClock)
	require.NoError(t, err)
	r := registry.New(b, limiter, registryClock, metrics.NewConnectionMetrics(reg), metrics.NewDeliveryMetrics(reg))
	b.OnMessage(r.HandleMessage)
	t.Cleanup(r.Stop)

	handlerClock := clockwork.NewFakeClock()
	auth := staticAuth{"tok-u1": "u1", "tok-u2": "u2"}

	deps := Deps{
		WebSocket:      websocket.NewHandler(r, auth, websocket.NewCheckOrigin("", true), handlerClock, 30*time.Second),
		SSE:            sse.NewHandler(r, auth, handlerClock, 30*time.Second),
		Stats:          r,
		Dispatcher:     dispatch.New(bus, registryClock, "test-instance", nil),
		Metrics:        reg,
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		ConnectMetrics: metrics.NewConnectionMetrics(prometheus.NewRegistry()),
		Clock:          handlerClock,
	}
	options := Options{Port: "0", InternalAPIKey: testInternalKey}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	srv := NewServer(deps, options)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: srv, http: ts, registry: r, clock: handlerClock, metrics: reg}
}

// newTestServer builds a server without a listener, for handler-level tests.
func newTestServer(t *testing.T, opts ...testOption) *Server {
	t.Helper()
	return newTestEnv(t, opts...).server
}

type wireMessage struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (e *testEnv) dialWS(t *testing.T, token string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/events?token=" + token
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	msg := readWS(t, conn)
	require.Equal(t, "subscribed", msg.Type)
	return conn
}

func readWS(t *testing.T, conn *gorilla.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func drainWS(conn *gorilla.Conn, quiet time.Duration) []wireMessage {
	var out []wireMessage
	for {
		_ = conn.SetReadDeadline(time.Now().Add(quiet))
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return out
		}
		out = append(out, msg)
	}
}

func (e *testEnv) post(t *testing.T, path, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(InternalKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_BroadcastReachesWebSocketClient(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dialWS(t, "tok-u1")

	resp := env.post(t, "/api/v1/events/broadcast", testInternalKey, `{"type":"ALERT","data":{"level":"high"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := readWS(t, conn)
	require.Equal(t, "event", msg.Type)
	var event domain.Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, domain.EventAlert, event.Type)
	assert.Equal(t, domain.BroadcastUserID, event.UserID)
	assert.Equal(t, "test-instance", event.Source)

	assert.Empty(t, drainWS(conn, 200*time.Millisecond))
}

func TestServer_UserEventReachesEveryTab(t *testing.T) {
	env := newTestEnv(t)
	tab1 := env.dialWS(t, "tok-u1")
	tab2 := env.dialWS(t, "tok-u1")
	other := env.dialWS(t, "tok-u2")

	resp := env.post(t, "/api/v1/events", testInternalKey, `{"type":"TASK_CREATED","userIds":["u1"],"data":{"id":"t1"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, "event", readWS(t, tab1).Type)
	assert.Equal(t, "event", readWS(t, tab2).Type)
	assert.Empty(t, drainWS(other, 200*time.Millisecond))
}

func TestServer_EventStreamThroughConnectPath(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/events?token=tok-u1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readSSEData(t, reader)
	assert.Contains(t, first, `"type":"subscribed"`)

	post := env.post(t, "/api/v1/events", testInternalKey, `{"type":"NOTIFICATION","userIds":["u1"],"data":{"text":"hi"}}`)
	require.Equal(t, http.StatusAccepted, post.StatusCode)

	second := readSSEData(t, reader)
	assert.Contains(t, second, `"NOTIFICATION"`)
}

func readSSEData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil || strings.HasPrefix(line, "data: ") {
				ch <- result{strings.TrimPrefix(strings.TrimSpace(line), "data: "), err}
				return
			}
		}
	}()
	select {
	case res := <-ch:
		require.NoError(t, res.err)
		return res.line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return ""
	}
}

func TestServer_ConnectRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	stats, err := env.registry.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.TotalConnections)
}

func TestServer_ConnectionLimitRejects(t *testing.T) {
	limits := NewConnectionLimits(1, 1, 100, 100, clockwork.NewFakeClock())
	env := newTestEnv(t, withLimits(limits))
	env.dialWS(t, "tok-u1")

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/events?token=tok-u2"
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Stats(t *testing.T) {
	env := newTestEnv(t, withInstances(&fakeInstances{instances: []redis.InstanceInfo{{InstanceID: "a"}, {InstanceID: "b"}}}))
	env.dialWS(t, "tok-u1")
	env.dialWS(t, "tok-u1")

	resp, err := http.Get(env.http.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[statsResponse](t, resp)
	assert.Equal(t, 2, body.TotalConnections)
	assert.Equal(t, 1, body.UniqueUsers)
	assert.Equal(t, 2, body.SubscribedChannels)
	assert.Equal(t, 2, body.ConnectionsByTransport[domain.TransportWebSocket])
	assert.Equal(t, 0, body.ConnectionsByTransport[domain.TransportSSE])
	assert.Equal(t, "test-instance", body.InstanceID)
	assert.Equal(t, 2, body.ActiveInstances)
}

func TestServer_StatsInstanceListFailure(t *testing.T) {
	env := newTestEnv(t, withInstances(&fakeInstances{err: errors.New("redis down")}))

	resp, err := http.Get(env.http.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[statsResponse](t, resp)
	assert.Zero(t, body.ActiveInstances)
	assert.Equal(t, 1, body.SubscribedChannels)
}

func TestServer_StatsRegistryStopped(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Stop()

	resp, err := http.Get(env.http.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPublishAPI(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		key    string
		body   string
		status int
	}{
		{"missing key", "/api/v1/events", "", `{"type":"ALERT","userIds":["u1"]}`, http.StatusUnauthorized},
		{"wrong key", "/api/v1/events", "nope", `{"type":"ALERT","userIds":["u1"]}`, http.StatusUnauthorized},
		{"malformed body", "/api/v1/events", testInternalKey, `{`, http.StatusBadRequest},
		{"unknown type", "/api/v1/events", testInternalKey, `{"type":"NOPE","userIds":["u1"]}`, http.StatusBadRequest},
		{"no recipients", "/api/v1/events", testInternalKey, `{"type":"ALERT"}`, http.StatusBadRequest},
		{"wildcard recipient", "/api/v1/events", testInternalKey, `{"type":"ALERT","userIds":["*"]}`, http.StatusBadRequest},
		{"user event", "/api/v1/events", testInternalKey, `{"type":"ALERT","userIds":["u1","u2"]}`, http.StatusAccepted},
		{"broadcast", "/api/v1/events/broadcast", testInternalKey, `{"type":"AGENT_STATUS","data":{"state":"idle"}}`, http.StatusAccepted},
		{"broadcast unknown type", "/api/v1/events/broadcast", testInternalKey, `{"type":"nope"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.post(t, tt.path, tt.key, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestPublishAPI_ResponseBody(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/events", testInternalKey, `{"type":"TASK_UPDATED","userIds":["u1","u2"]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody[publishResponse](t, resp)
	assert.Equal(t, "published", body.Status)
	assert.Equal(t, "TASK_UPDATED", body.Type)
	assert.Equal(t, 2, body.Recipients)
}

func TestPublishAPI_RateLimited(t *testing.T) {
	env := newTestEnv(t, withAPIRate(0.001, 1))

	first := env.post(t, "/api/v1/events", testInternalKey, `{"type":"ALERT","userIds":["u1"]}`)
	assert.Equal(t, http.StatusAccepted, first.StatusCode)

	second := env.post(t, "/api/v1/events", testInternalKey, `{"type":"ALERT","userIds":["u1"]}`)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
}

func TestPublishAPI_DisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t, withoutAPIKey())

	resp := env.post(t, "/api/v1/events", testInternalKey, `{"type":"ALERT","userIds":["u1"]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `lifeos_realtime_build_info{instance_id="test-instance",version="test"} 1`)
}

func TestServer_SecurityHeaders(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/health/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}
