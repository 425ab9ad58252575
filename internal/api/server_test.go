package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/runnable-bridge/internal/accessory"
	"github.com/nerrad567/runnable-bridge/internal/communicator"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/runnable-bridge/internal/process"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

type setCall struct {
	name, characteristic, value string
}

type fakePlatform struct {
	mu        sync.Mutex
	accs      []accessory.Accessory
	observers []accessory.StateObserver
	sets      []setCall
	setErr    error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{accs: []accessory.Accessory{
		{
			ID:              accessory.ID("Living Fan"),
			Name:            "Living Fan",
			Service:         "Fan",
			Characteristics: []string{"On", "RotationSpeed"},
			Values:          map[string]json.RawMessage{"On": json.RawMessage("true")},
		},
	}}
}

func (p *fakePlatform) Accessories() []accessory.Accessory { return p.accs }

func (p *fakePlatform) Accessory(name string) (*accessory.Accessory, error) {
	for i := range p.accs {
		if p.accs[i].Name == name {
			return p.accs[i].DeepCopy(), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", accessory.ErrAccessoryNotFound, name)
}

func (p *fakePlatform) SetCharacteristic(_ context.Context, name, characteristic string, value any) error {
	if _, err := p.Accessory(name); err != nil {
		return err
	}
	raw, _ := json.Marshal(value)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets = append(p.sets, setCall{name, characteristic, string(raw)})
	return p.setErr
}

func (p *fakePlatform) Observe(fn accessory.StateObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

func (p *fakePlatform) emit(change accessory.Change) {
	p.mu.Lock()
	observers := p.observers
	p.mu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}

type fakeRunnable struct {
	mu         sync.Mutex
	connectErr error
	connected  bool
	status     process.Status
	listeners  []communicator.Listener
}

func (r *fakeRunnable) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return r.connectErr
	}
	r.connected = true
	return nil
}

func (r *fakeRunnable) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
}

func (r *fakeRunnable) Stats() communicator.Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := communicator.Stats{Connected: r.connected, CommandLine: "cat"}
	if r.status != "" {
		stats.Runnable = &process.Stats{Status: r.status}
	}
	return stats
}

func (r *fakeRunnable) Subscribe(fn communicator.Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
	return func() {}
}

func (r *fakeRunnable) emit(msg json.RawMessage) {
	r.mu.Lock()
	listeners := r.listeners
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
}

func testServer(t *testing.T) (*Server, *fakePlatform, *fakeRunnable) {
	t.Helper()

	platform := newFakePlatform()
	runnable := &fakeRunnable{}
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15},
		},
		Logger:   log,
		Platform: platform,
		Runnable: runnable,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, platform, runnable
}

func token(t *testing.T) string {
	t.Helper()
	tok, err := IssueToken(testSecret, "tester", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return tok
}

func do(t *testing.T, h http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	log := logging.NewWithWriter(config.LoggingConfig{}, "test", io.Discard)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Platform: newFakePlatform(), Runnable: &fakeRunnable{}}},
		{"no platform", Deps{Logger: log, Runnable: &fakeRunnable{}}},
		{"no runnable", Deps{Logger: log, Platform: newFakePlatform()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	srv, _, runnable := testServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode(t, rec)["status"]; got != "ok" {
		t.Errorf("status = %v, want ok", got)
	}

	runnable.status = process.StatusFailed
	rec = do(t, h, http.MethodGet, "/api/v1/health", "", "")
	if got := decode(t, rec)["status"]; got != "degraded" {
		t.Errorf("status = %v, want degraded", got)
	}
}

func TestMetrics(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var m SystemMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding metrics: %v", err)
	}
	if m.Accessories.Total != 1 || m.Accessories.ByService["Fan"] != 1 {
		t.Errorf("accessories = %+v, want one Fan", m.Accessories)
	}
	if m.Accessories.Known != 1 || m.Accessories.Unknown != 1 {
		t.Errorf("known/unknown = %d/%d, want 1/1", m.Accessories.Known, m.Accessories.Unknown)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines = 0")
	}
}

func TestRequestID(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/health", "", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestAccessories(t *testing.T) {
	srv, _, _ := testServer(t)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/api/v1/accessories", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if got := decode(t, rec)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/accessories/Living%20Fan", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body %s", rec.Code, rec.Body)
	}
	body := decode(t, rec)
	if body["service"] != "Fan" {
		t.Errorf("service = %v, want Fan", body["service"])
	}
	values, _ := body["values"].(map[string]any)
	if values["On"] != true {
		t.Errorf("values = %v, want On=true", values)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/accessories/Garage", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown accessory status = %d, want 404", rec.Code)
	}
}

func TestSetCharacteristic(t *testing.T) {
	srv, platform, _ := testServer(t)
	h := srv.Handler()
	path := "/api/v1/accessories/Living%20Fan/characteristics/RotationSpeed"

	tests := []struct {
		name   string
		path   string
		body   string
		bearer string
		want   int
	}{
		{"no token", path, `{"value":50}`, "", http.StatusUnauthorized},
		{"bad token", path, `{"value":50}`, "not-a-token", http.StatusUnauthorized},
		{"invalid body", path, `{`, token(t), http.StatusBadRequest},
		{"missing value", path, `{}`, token(t), http.StatusBadRequest},
		{"unknown accessory", "/api/v1/accessories/Garage/characteristics/On", `{"value":true}`, token(t), http.StatusNotFound},
		{"ok", path, `{"value":50}`, token(t), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPut, tt.path, tt.body, tt.bearer)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}

	if len(platform.sets) != 1 {
		t.Fatalf("SetCharacteristic calls = %v, want 1", platform.sets)
	}
	if want := (setCall{"Living Fan", "RotationSpeed", "50"}); platform.sets[0] != want {
		t.Errorf("SetCharacteristic%+v, want %+v", platform.sets[0], want)
	}
}

func TestSetCharacteristic_RunnableError(t *testing.T) {
	srv, platform, _ := testServer(t)
	platform.setErr = errors.New("write failed")

	rec := do(t, srv.Handler(), http.MethodPut,
		"/api/v1/accessories/Living%20Fan/characteristics/On", `{"value":false}`, token(t))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestRunnableControl(t *testing.T) {
	srv, _, runnable := testServer(t)
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/runnable/connect", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated connect status = %d, want 401", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/api/v1/runnable/connect", "", token(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d", rec.Code)
	}
	if decode(t, rec)["connected"] != true {
		t.Error("connected = false after connect")
	}

	rec = do(t, h, http.MethodPost, "/api/v1/runnable/disconnect", "", token(t))
	if rec.Code != http.StatusOK || decode(t, rec)["connected"] != false {
		t.Errorf("disconnect status = %d body %s", rec.Code, rec.Body)
	}

	runnable.connectErr = communicator.ErrNotConfigured
	if rec := do(t, h, http.MethodPost, "/api/v1/runnable/connect", "", token(t)); rec.Code != http.StatusConflict {
		t.Errorf("unconfigured connect status = %d, want 409", rec.Code)
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/runnable", "", ""); rec.Code != http.StatusOK {
		t.Errorf("stats status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.CORS.AllowedOrigins = []string{"http://allowed.example"}
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/accessories", nil)
	req.Header.Set("Origin", "http://allowed.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/accessories", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for disallowed origin", got)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return f
}

// dialWS starts the hub and relay for srv and connects a client with query.
func dialWS(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)
	srv.relay()

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for srv.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestWebSocket_Relay(t *testing.T) {
	srv, platform, runnable := testServer(t)
	conn := dialWS(t, srv, "?channels="+ChannelAccessoryChanged)

	// Not subscribed to runnable messages yet.
	runnable.emit(json.RawMessage(`{"ignored":true}`))
	platform.emit(accessory.Change{Name: "Living Fan", Characteristic: "On", Value: json.RawMessage("false")})

	f := readFrame(t, conn)
	if f.Type != FrameEvent || f.Channel != ChannelAccessoryChanged || f.Accessory != "Living Fan" {
		t.Fatalf("got %+v, want accessory.changed event for Living Fan", f)
	}
	payload, _ := f.Payload.(map[string]any)
	if payload["name"] != "Living Fan" || payload["value"] != false {
		t.Errorf("payload = %v", payload)
	}

	sub := `{"type":"subscribe","id":"1","payload":{"channels":["runnable.message"]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if ack := readFrame(t, conn); ack.Type != FrameAck || ack.ID != "1" {
		t.Fatalf("got %+v, want ack", ack)
	}

	runnable.emit(json.RawMessage(`{"hello":1}`))
	if f = readFrame(t, conn); f.Channel != ChannelRunnableMessage {
		t.Fatalf("got %+v, want runnable.message event", f)
	}
}

func TestWebSocket_AccessoryFilter(t *testing.T) {
	srv, platform, runnable := testServer(t)
	conn := dialWS(t, srv, "?accessories=Lamp")

	platform.emit(accessory.Change{Name: "Living Fan", Characteristic: "On", Value: json.RawMessage("true")})
	runnable.emit(json.RawMessage(`{"name":"Living Fan","characteristic":"On","value":true}`))
	runnable.emit(json.RawMessage(`{"name":"Lamp","characteristic":"On","value":true}`))

	f := readFrame(t, conn)
	if f.Channel != ChannelRunnableMessage || f.Accessory != "Lamp" {
		t.Fatalf("got %+v, want only the Lamp message", f)
	}
}

func TestWebSocket_SubscribeErrors(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := do(t, srv.Handler(), http.MethodGet, "/api/v1/ws?channels=bogus", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown channel status = %d, want 400", rec.Code)
	}

	conn := dialWS(t, srv, "")
	frames := []string{
		`{"type":"subscribe","id":"a","payload":{"channels":["bogus"]}}`,
		`{"type":"dance","id":"b"}`,
		`{"type":"ping","id":"c"}`,
	}
	want := []string{FrameError, FrameError, FramePong}
	for i, raw := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		if f := readFrame(t, conn); f.Type != want[i] {
			t.Errorf("frame %d reply = %+v, want type %s", i, f, want[i])
		}
	}
}

func TestStartClose(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start succeeded")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() succeeded")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
