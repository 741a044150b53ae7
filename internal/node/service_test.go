package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/danmuck/patchnet/internal/backend/loopback"
	"github.com/danmuck/patchnet/internal/config"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/registry"
	"github.com/danmuck/patchnet/internal/scheduler"
	"github.com/danmuck/patchnet/internal/testutil/testlog"
)

const (
	selfID protocol.ModuleID = 0xa1
	peerID protocol.ModuleID = 0xb2
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backend = BackendLoopback
	cfg.Identity = protocol.Identity{ID: selfID, Label: "filter"}
	cfg.Jacks = []protocol.Jack{
		{ID: 1, Name: "out", Direction: protocol.DirSource, Kind: protocol.SignalAudio, Channels: 1},
		{ID: 2, Name: "in", Direction: protocol.DirSink, Kind: protocol.SignalAudio, Channels: 1},
		{ID: 3, Name: "cutoff", Direction: protocol.DirSink, Kind: protocol.SignalControl, Channels: 1},
	}
	cfg.Scheduler.Period = time.Millisecond
	return cfg
}

func startService(t *testing.T, cfg Config) *Service {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, err := New(cfg, loopback.NewHub().NewEndpoint(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = svc.Scheduler().Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return svc
}

func do(t *testing.T, svc *Service, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	svc.HTTPRouter().ServeHTTP(rr, req)
	var out map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr.Code, out
}

func waitPatches(t *testing.T, svc *Service, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svc.Scheduler().Snapshot().Patches) == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d patches in snapshot", n)
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)

	if err := testConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := testConfig()
	bad.Backend = "smoke"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	bad = testConfig()
	bad.Identity.ID = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if got := testConfig().NodeID(); got != "000000a1" {
		t.Fatalf("unexpected node id %q", got)
	}
}

func TestHealthAndJacks(t *testing.T) {
	testlog.Start(t)

	svc := startService(t, testConfig())
	code, body := do(t, svc, http.MethodGet, "/health", nil)
	if code != http.StatusOK || body["module"] != "filter" || body["id"] != "000000a1" {
		t.Fatalf("unexpected health: %d %v", code, body)
	}
	code, body = do(t, svc, http.MethodGet, "/jacks", nil)
	jacks, _ := body["jacks"].([]any)
	if code != http.StatusOK || len(jacks) != 3 {
		t.Fatalf("unexpected jacks: %d %v", code, body)
	}
	first := jacks[0].(map[string]any)
	if first["direction"] != "source" || first["kind"] != "audio" {
		t.Fatalf("expected text enums, got %v", first)
	}
}

func TestPatchLifecycleOverHTTP(t *testing.T) {
	testlog.Start(t)

	svc := startService(t, testConfig())
	req := map[string]any{"source": "000000b2/4", "sink": 2}
	code, body := do(t, svc, http.MethodPost, "/patches", req)
	if code != http.StatusOK {
		t.Fatalf("connect: %d %v", code, body)
	}
	src := protocol.PatchKey{Module: peerID, Jack: 4}
	if body["group"] != svc.Registry().Group(src).String() {
		t.Fatalf("unexpected group in response: %v", body)
	}
	waitPatches(t, svc, 1)

	code, body = do(t, svc, http.MethodGet, "/patches", nil)
	patches, _ := body["patches"].([]any)
	if code != http.StatusOK || len(patches) != 1 {
		t.Fatalf("unexpected patches: %d %v", code, body)
	}

	if code, body = do(t, svc, http.MethodDelete, "/patches", req); code != http.StatusOK {
		t.Fatalf("disconnect: %d %v", code, body)
	}
	waitPatches(t, svc, 0)
}

func TestPatchRejections(t *testing.T) {
	testlog.Start(t)

	svc := startService(t, testConfig())
	cases := []struct {
		name string
		body any
		want int
	}{
		{"source jack as sink", map[string]any{"source": "b2/1", "sink": 1}, http.StatusUnprocessableEntity},
		{"unknown sink", map[string]any{"source": "b2/1", "sink": 9}, http.StatusNotFound},
		{"local kind mismatch", map[string]any{"source": "self/1", "sink": 3}, http.StatusUnprocessableEntity},
		{"bad source", map[string]any{"source": "nope", "sink": 2}, http.StatusBadRequest},
		{"missing fields", map[string]any{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code, body := do(t, svc, http.MethodPost, "/patches", tc.body); code != tc.want {
				t.Fatalf("expected %d, got %d %v", tc.want, code, body)
			}
		})
	}
}

func TestReadyAndRecover(t *testing.T) {
	testlog.Start(t)

	svc := startService(t, testConfig())
	deadline := time.Now().Add(2 * time.Second)
	for {
		code, _ := do(t, svc, http.MethodGet, "/ready", nil)
		if code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("module never became ready")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if code, body := do(t, svc, http.MethodPost, "/link/recover", nil); code != http.StatusOK {
		t.Fatalf("recover: %d %v", code, body)
	}
}

func TestStartupPatchesApplied(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.Patches = []config.Patch{{Source: protocol.PatchKey{Module: selfID, Jack: 1}, Sink: 2}}
	svc, err := New(cfg, loopback.NewHub().NewEndpoint(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := svc.Registry().Subscribers(1); got != 1 {
		t.Fatalf("expected local subscriber, got %d", got)
	}

	cfg.Patches = []config.Patch{{Source: protocol.PatchKey{Module: selfID, Jack: 1}, Sink: 3}}
	if _, err := New(cfg, loopback.NewHub().NewEndpoint(), zerolog.Nop()); !errors.Is(err, registry.ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	last   []byte
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.last = append([]byte(nil), payload...)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

func TestStatusPublisherServes(t *testing.T) {
	testlog.Start(t)

	snap := &scheduler.Snapshot{
		Module: protocol.Identity{ID: selfID, Label: "filter"},
		Cycle:  42,
		Link:   "up",
		Peers: []registry.PeerInfo{
			{ID: peerID, State: registry.StateActive},
			{ID: 0xc3, State: registry.StateStale},
		},
	}
	p := NewStatusPublisher(StatusConfig{Interval: time.Millisecond}, "000000a1", func() *scheduler.Snapshot { return snap }, zerolog.Nop())
	if p.Topic() != "patchnet/status/000000a1" {
		t.Fatalf("unexpected topic %q", p.Topic())
	}
	pub := &fakePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, pub) }()
	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	if pub.count() < 2 {
		t.Fatalf("expected repeated publishes, got %d", pub.count())
	}
	var msg StatusMessage
	if err := json.Unmarshal(pub.last, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Label != "filter" || msg.Cycle != 42 || msg.Peers != 2 || msg.Active != 1 {
		t.Fatalf("unexpected status: %+v", msg)
	}
}

func TestAdminTokenGuardsMutations(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.AdminToken = "s3cret"
	svc := startService(t, cfg)

	req := map[string]any{"source": "000000b2/4", "sink": 2}
	if code, _ := do(t, svc, http.MethodPost, "/patches", req); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _ := do(t, svc, http.MethodGet, "/patches", nil); code != http.StatusOK {
		t.Fatalf("reads should stay open, got %d", code)
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(req)
	r := httptest.NewRequest(http.MethodPost, "/patches", &buf)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	svc.HTTPRouter().ServeHTTP(rr, r)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", rr.Code, rr.Body.String())
	}
}

func waitSnapshot(t *testing.T, svc *Service, what string, ok func(*scheduler.Snapshot) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := svc.Scheduler().Snapshot(); snap != nil && ok(snap) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("snapshot never showed %s", what)
}

func TestToggleHoldAndHaltOverHTTP(t *testing.T) {
	testlog.Start(t)

	svc := startService(t, testConfig())
	req := map[string]any{"source": "000000b2/4", "sink": 2}
	if code, body := do(t, svc, http.MethodPost, "/patches/toggle", req); code != http.StatusOK {
		t.Fatalf("toggle on: %d %v", code, body)
	}
	waitPatches(t, svc, 1)
	if code, body := do(t, svc, http.MethodPost, "/patches/toggle", req); code != http.StatusOK {
		t.Fatalf("toggle off: %d %v", code, body)
	}
	waitPatches(t, svc, 0)

	if code, body := do(t, svc, http.MethodPost, "/jacks/2/hold", nil); code != http.StatusOK {
		t.Fatalf("hold: %d %v", code, body)
	}
	waitSnapshot(t, svc, "held sink", func(s *scheduler.Snapshot) bool {
		return s.PatchState == registry.PatchEnabled && len(s.Held.Sinks) == 1
	})
	code, body := do(t, svc, http.MethodGet, "/lights", nil)
	lights, _ := body["lights"].([]any)
	if code != http.StatusOK || body["patch_state"] != "enabled" || len(lights) != 3 {
		t.Fatalf("unexpected lights: %d %v", code, body)
	}
	if code, body := do(t, svc, http.MethodPost, "/jacks/9/hold", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown jack, got %d %v", code, body)
	}
	if code, body := do(t, svc, http.MethodDelete, "/jacks/2/hold", nil); code != http.StatusOK {
		t.Fatalf("release: %d %v", code, body)
	}
	waitSnapshot(t, svc, "idle gesture", func(s *scheduler.Snapshot) bool {
		return s.PatchState == registry.PatchIdle
	})

	if code, body := do(t, svc, http.MethodPost, "/halt", nil); code != http.StatusOK {
		t.Fatalf("halt: %d %v", code, body)
	}
	waitSnapshot(t, svc, "halt", func(s *scheduler.Snapshot) bool { return s.Halted })
	if code, body := do(t, svc, http.MethodPost, "/resume", nil); code != http.StatusOK {
		t.Fatalf("resume: %d %v", code, body)
	}
	waitSnapshot(t, svc, "resume", func(s *scheduler.Snapshot) bool { return !s.Halted })
}
