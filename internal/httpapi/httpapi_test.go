package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tgcast/internal/broadcast"
	"tgcast/internal/campaign"
	"tgcast/internal/storage"
	logx "tgcast/pkg/logx"
)

type fakeCampaigns struct {
	mu      sync.Mutex
	records map[string]campaign.Campaign
	running map[string]bool
	startFn func(id string) error
	actors  []broadcast.Actor
}

func newFake(ids ...string) *fakeCampaigns {
	f := &fakeCampaigns{records: map[string]campaign.Campaign{}, running: map[string]bool{}}
	for _, id := range ids {
		f.records[id] = campaign.Defaults(id, "title "+id)
	}
	return f
}

func (f *fakeCampaigns) Start(ctx context.Context, id string, actor broadcast.Actor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, actor)
	if f.startFn != nil {
		if err := f.startFn(id); err != nil {
			return "", err
		}
	}
	if _, ok := f.records[id]; !ok {
		return "", &broadcast.ValidationError{CampaignID: id, Problems: []string{"campaign not found"}, Err: storage.ErrNotFound}
	}
	if f.running[id] {
		return "", &broadcast.AlreadyRunningError{CampaignID: id, Workers: 1}
	}
	f.running[id] = true
	c := f.records[id]
	c.Status = campaign.StatusRunning
	f.records[id] = c
	return "run-" + id, nil
}

func (f *fakeCampaigns) Stop(ctx context.Context, id string, actor broadcast.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actors = append(f.actors, actor)
	if f.running[id] {
		f.running[id] = false
		c := f.records[id]
		c.Status = campaign.StatusStopped
		f.records[id] = c
	}
	return nil
}

func (f *fakeCampaigns) Status(ctx context.Context, id string) (broadcast.CampaignStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.records[id]
	if !ok {
		return broadcast.CampaignStatus{}, fmt.Errorf("campaign %s: %w", id, storage.ErrNotFound)
	}
	st := broadcast.CampaignStatus{Campaign: c}
	if f.running[id] {
		st.Live = 1
	}
	return st, nil
}

func (f *fakeCampaigns) List(ctx context.Context) ([]broadcast.CampaignStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast.CampaignStatus
	for _, c := range f.records {
		out = append(out, broadcast.CampaignStatus{Campaign: c})
	}
	return out, nil
}

func do(t *testing.T, h http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestCampaignRoutes(t *testing.T) {
	t.Parallel()
	f := newFake("c1", "c2")
	h := NewHandler(f, Config{}, logx.Nop())

	rec := do(t, h, http.MethodGet, "/campaigns", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list []broadcast.CampaignStatus
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 2 {
		t.Fatalf("list = %v, %v", list, err)
	}

	rec = do(t, h, http.MethodPost, "/campaigns/c1/start", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var started startResponse
	_ = json.NewDecoder(rec.Body).Decode(&started)
	if started.RunID != "run-c1" {
		t.Fatalf("run id = %q", started.RunID)
	}

	rec = do(t, h, http.MethodPost, "/campaigns/c1/start", "")
	if rec.Code != http.StatusConflict || decodeError(t, rec).Error != "already_running" {
		t.Fatalf("second start = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/campaigns/c1", "")
	var st broadcast.CampaignStatus
	_ = json.NewDecoder(rec.Body).Decode(&st)
	if st.Status != campaign.StatusRunning || st.Live != 1 {
		t.Fatalf("status = %+v", st)
	}

	rec = do(t, h, http.MethodPost, "/campaigns/c1/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}
	_ = json.NewDecoder(rec.Body).Decode(&st)
	if st.Status != campaign.StatusStopped {
		t.Fatalf("after stop = %s", st.Status)
	}

	for _, a := range f.actors {
		if a.Source != "http" {
			t.Fatalf("actor source = %q", a.Source)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		method   string
		path     string
		startErr error
		code     int
		kind     string
	}{
		{name: "unknown status", method: http.MethodGet, path: "/campaigns/nope", code: http.StatusNotFound, kind: "not_found"},
		{name: "unknown start", method: http.MethodPost, path: "/campaigns/nope/start", code: http.StatusNotFound, kind: "not_found"},
		{name: "unknown stop", method: http.MethodPost, path: "/campaigns/nope/stop", code: http.StatusNotFound, kind: "not_found"},
		{
			name: "validation", method: http.MethodPost, path: "/campaigns/c1/start",
			startErr: &broadcast.ValidationError{CampaignID: "c1", Problems: []string{"no accounts assigned"}},
			code:     http.StatusUnprocessableEntity, kind: "validation_failed",
		},
		{name: "shutdown", method: http.MethodPost, path: "/campaigns/c1/start", startErr: broadcast.ErrShuttingDown, code: http.StatusServiceUnavailable, kind: "shutting_down"},
		{name: "store", method: http.MethodPost, path: "/campaigns/c1/start", startErr: fmt.Errorf("disk full"), code: http.StatusInternalServerError, kind: "internal"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFake("c1")
			f.startFn = func(string) error { return tt.startErr }
			rec := do(t, NewHandler(f, Config{}, logx.Nop()), tt.method, tt.path, "")
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Error != tt.kind {
				t.Fatalf("error = %q, want %q", body.Error, tt.kind)
			}
			if tt.kind == "validation_failed" && len(body.Problems) != 1 {
				t.Fatalf("problems = %v", body.Problems)
			}
			if tt.kind == "internal" && body.Message != "internal error" {
				t.Fatalf("internal message leaked: %q", body.Message)
			}
		})
	}
}

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestAuth(t *testing.T) {
	t.Parallel()
	const secret = "s3cret"
	f := newFake("c1")
	h := NewHandler(f, Config{Token: "static", JWTSecret: secret}, logx.Nop())

	valid := signed(t, secret, jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(time.Hour).Unix()})
	expired := signed(t, secret, jwt.MapClaims{"sub": "ops", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey := signed(t, "other", jwt.MapClaims{"sub": "ops"})
	noSub := signed(t, secret, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	tests := []struct {
		name string
		auth string
		code int
	}{
		{name: "missing", auth: "", code: http.StatusUnauthorized},
		{name: "wrong scheme", auth: "Basic abc", code: http.StatusUnauthorized},
		{name: "static token", auth: "Bearer static", code: http.StatusOK},
		{name: "jwt", auth: "Bearer " + valid, code: http.StatusOK},
		{name: "expired jwt", auth: "Bearer " + expired, code: http.StatusUnauthorized},
		{name: "wrong key", auth: "Bearer " + wrongKey, code: http.StatusUnauthorized},
		{name: "no subject", auth: "Bearer " + noSub, code: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(t, h, http.MethodGet, "/campaigns", tt.auth); rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not need auth, got %d", rec.Code)
	}

	do(t, h, http.MethodPost, "/campaigns/c1/start", "Bearer "+valid)
	f.mu.Lock()
	last := f.actors[len(f.actors)-1]
	f.mu.Unlock()
	if last.Username != "ops" {
		t.Fatalf("actor = %+v, want jwt subject", last)
	}
}

func TestServerApplyEnableDisable(t *testing.T) {
	srv := NewServer(newFake("c1"), logx.Nop())
	t.Cleanup(func() { srv.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("expected listen address")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	if err := srv.Apply(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	if srv.Addr() != "" {
		t.Fatal("expected server to stop")
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	off := NewHandler(newFake(), Config{}, logx.Nop())
	if rec := do(t, off, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled: code = %d", rec.Code)
	}
	on := NewHandler(newFake(), Config{Pprof: true, Token: "t"}, logx.Nop())
	if rec := do(t, on, http.MethodGet, "/debug/pprof/", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("pprof without auth: code = %d", rec.Code)
	}
	if rec := do(t, on, http.MethodGet, "/debug/pprof/", "Bearer t"); rec.Code != http.StatusOK {
		t.Fatalf("pprof with auth: code = %d", rec.Code)
	}
}
