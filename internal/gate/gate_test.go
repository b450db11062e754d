package gate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agentfactory/internal/audit"
	"agentfactory/internal/blacklist"
	"agentfactory/internal/config"
	"agentfactory/internal/domain"
)

type addCall struct {
	ip       string
	reason   string
	req      blacklist.RequestContext
	analysis domain.ThreatAnalysis
}

type fakeBlacklist struct {
	mu         sync.Mutex
	blocked    map[string]bool
	adds       []addCall
	lookups    []string
	addErr     error
	blockOnAdd bool
}

func newFakeBlacklist() *fakeBlacklist {
	return &fakeBlacklist{blocked: map[string]bool{}, blockOnAdd: true}
}

func (f *fakeBlacklist) IsBlocked(_ context.Context, ip string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, ip)
	return f.blocked[ip]
}

func (f *fakeBlacklist) Add(_ context.Context, ip, reason string, req blacklist.RequestContext, analysis *domain.ThreatAnalysis) (*domain.BlacklistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.adds = append(f.adds, addCall{ip: ip, reason: reason, req: req, analysis: *analysis})
	if f.blockOnAdd {
		f.blocked[ip] = true
	}
	return &domain.BlacklistEntry{IP: ip, Reason: reason, ThreatLevel: analysis.Level, AttemptCount: 1}, nil
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAuditor) Record(_ context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

type staticCountry string

func (s staticCountry) Country(string) string { return string(s) }

func defaultPolicy() config.SecurityConfig {
	return config.SecurityConfig{}
}

func statusHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func TestPreCheck_RejectsBlacklistedAddress(t *testing.T) {
	blocks := newFakeBlacklist()
	blocks.blocked["203.0.113.10"] = true
	auditor := &fakeAuditor{}
	g := New(blocks, WithAuditor(auditor), WithPolicy(defaultPolicy), WithCountryLookup(staticCountry("NL")))

	called := false
	handler := g.PreCheck(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.10, 10.0.0.1")
	req.Header.Set("User-Agent", "curl/8.0")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if called {
		t.Fatal("blocked request reached the handler")
	}
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}

	var body blockedResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != ErrorCodeBlacklisted || body.Error != "Access Denied" || body.Message == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	if len(auditor.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(auditor.entries))
	}
	entry := auditor.entries[0]
	if entry.Action != audit.ActionRequestBlocked || entry.Resource != "203.0.113.10" || !entry.Success {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if entry.Metadata["userAgent"] != "curl/8.0" || entry.Metadata["path"] != "/api/agents" || entry.Metadata["country"] != "NL" {
		t.Fatalf("unexpected audit metadata: %+v", entry.Metadata)
	}
}

func TestPreCheck_AllowsUnblocked(t *testing.T) {
	g := New(newFakeBlacklist(), WithPolicy(defaultPolicy))
	handler := g.PreCheck(statusHandler(http.StatusOK))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestPreCheck_SkipsInternalAddressesInProduction(t *testing.T) {
	blocks := newFakeBlacklist()
	g := New(blocks, WithPolicy(defaultPolicy), WithProductionMode(true))
	handler := g.PreCheck(statusHandler(http.StatusOK))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(blocks.lookups) != 0 {
		t.Fatalf("internal address should skip blacklist lookups, got %v", blocks.lookups)
	}
}

func TestPostAnalysis_FailedLoginsBlockAfterThreshold(t *testing.T) {
	blocks := newFakeBlacklist()
	g := New(blocks, WithPolicy(defaultPolicy))
	handler := g.Middleware(statusHandler(http.StatusUnauthorized))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"email":"' OR 1=1 --","password":"x"}`))
		req.RemoteAddr = "198.51.100.33:40000"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	for i := 1; i <= 4; i++ {
		if code := send(); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d, want 401", i, code)
		}
		if blocks.blocked["198.51.100.33"] {
			t.Fatalf("blocked after only %d failures", i)
		}
	}

	if code := send(); code != http.StatusUnauthorized {
		t.Fatalf("fifth attempt status = %d, want 401", code)
	}
	if len(blocks.adds) != 1 {
		t.Fatalf("expected one Add call, got %d", len(blocks.adds))
	}
	add := blocks.adds[0]
	if add.reason != domain.ReasonFailedLogin || add.ip != "198.51.100.33" {
		t.Fatalf("unexpected Add call: %+v", add)
	}
	if add.analysis.Level != domain.ThreatLevelHigh || add.analysis.Score < 3 {
		t.Fatalf("unexpected analysis: %+v", add.analysis)
	}
	if add.req.Path != "/api/login" || add.req.Method != http.MethodPost {
		t.Fatalf("unexpected request context: %+v", add.req)
	}

	if code := send(); code != http.StatusForbidden {
		t.Fatalf("request after block status = %d, want 403", code)
	}
}

func TestPostAnalysis_ScannerUserAgentBlocksImmediately(t *testing.T) {
	blocks := newFakeBlacklist()
	g := New(blocks, WithPolicy(defaultPolicy))
	handler := g.PostAnalysis(statusHandler(http.StatusBadRequest))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("User-Agent", "sqlmap/1.5")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(blocks.adds) != 1 {
		t.Fatalf("expected one Add call, got %d", len(blocks.adds))
	}
	add := blocks.adds[0]
	if add.reason != domain.ReasonCurlAbuse || add.analysis.Level != domain.ThreatLevelHigh {
		t.Fatalf("unexpected Add call: %+v", add)
	}
}

func TestPostAnalysis_LowSignalScriptedClientNotBlocked(t *testing.T) {
	blocks := newFakeBlacklist()
	g := New(blocks, WithPolicy(defaultPolicy))
	handler := g.PostAnalysis(statusHandler(http.StatusNotFound))

	req := httptest.NewRequest(http.MethodGet, "/wp-admin/", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(blocks.adds) != 0 {
		t.Fatalf("low score curl request should not be blocked: %+v", blocks.adds)
	}
}

func TestPostAnalysis_RateLimitAndIgnoredStatuses(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		reason string
	}{
		{name: "rate limited", path: "/api/agents", status: http.StatusTooManyRequests, reason: domain.ReasonAPIAbuse},
		{name: "success", path: "/api/agents", status: http.StatusOK},
		{name: "plain not found", path: "/api/agents/42", status: http.StatusNotFound},
		{name: "unauthorized outside auth routes", path: "/api/agents", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := newFakeBlacklist()
			g := New(blocks, WithPolicy(defaultPolicy))
			g.PostAnalysis(statusHandler(tt.status)).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			if tt.reason == "" {
				if len(blocks.adds) != 0 {
					t.Fatalf("unexpected Add calls: %+v", blocks.adds)
				}
				return
			}
			if len(blocks.adds) != 1 || blocks.adds[0].reason != tt.reason {
				t.Fatalf("adds = %+v, want one with reason %s", blocks.adds, tt.reason)
			}
		})
	}
}

func TestPostAnalysis_AddFailureDoesNotAlterResponse(t *testing.T) {
	blocks := newFakeBlacklist()
	blocks.addErr = errors.New("database unavailable")
	auditor := &fakeAuditor{}
	g := New(blocks, WithPolicy(defaultPolicy), WithAuditor(auditor))

	handler := g.PostAnalysis(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	if rr.Code != http.StatusTooManyRequests || rr.Body.String() != "slow down" {
		t.Fatalf("response altered: %d %q", rr.Code, rr.Body.String())
	}
	if len(auditor.entries) != 1 || auditor.entries[0].Success {
		t.Fatalf("expected one failed audit entry, got %+v", auditor.entries)
	}
}

func TestPostAnalysis_HandlerStillReadsBody(t *testing.T) {
	g := New(newFakeBlacklist(), WithPolicy(defaultPolicy))

	payload := strings.Repeat("a", maxCapturedBody+1024)
	var got string
	handler := g.PostAnalysis(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		got = string(data)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/agents", strings.NewReader(payload)))
	if got != payload {
		t.Fatalf("handler read %d bytes, want %d", len(got), len(payload))
	}
}

func TestExtractIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remote     string
		production bool
		want       string
	}{
		{name: "forwarded first hop", xff: "203.0.113.1, 198.51.100.2", remote: "10.0.0.1:80", want: "203.0.113.1"},
		{name: "real ip", realIP: "198.51.100.7", remote: "10.0.0.1:80", want: "198.51.100.7"},
		{name: "remote addr", remote: "192.0.2.44:5000", want: "192.0.2.44"},
		{name: "mapped ipv4", remote: "[::ffff:192.0.2.45]:5000", want: "192.0.2.45"},
		{name: "garbage forwarded header", xff: "unknown", remote: "192.0.2.46:1", want: "192.0.2.46"},
		{name: "loopback in development", remote: "127.0.0.1:9000", want: "127.0.0.1"},
		{name: "loopback in production", remote: "127.0.0.1:9000", production: true, want: ""},
		{name: "private forwarded in production", xff: "192.168.1.20", production: true, remote: "203.0.113.9:1", want: ""},
		{name: "ipv6 link local in production", remote: "[fe80::1]:443", production: true, want: ""},
		{name: "172.16 range in production", remote: "172.20.0.5:1", production: true, want: ""},
		{name: "public in production", remote: "172.32.0.5:1", production: true, want: "172.32.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ExtractIdentifier(req, tt.production); got != tt.want {
				t.Fatalf("ExtractIdentifier = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLooksSuspicious(t *testing.T) {
	tests := []struct {
		target string
		ua     string
		want   bool
	}{
		{target: "/api/agents", want: false},
		{target: "/wp-login.php", want: true},
		{target: "/backup.sql", want: true},
		{target: "/static/../../etc/passwd", want: true},
		{target: "/api/agents?id=1%20UNION%20SELECT%20password%20FROM%20users", want: true},
		{target: "/api/agents", ua: "Nikto/2.1.6", want: true},
		{target: "/.env", want: true},
		{target: "/assets/app.js", want: false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.target, nil)
		if tt.ua != "" {
			req.Header.Set("User-Agent", tt.ua)
		}
		if got := LooksSuspicious(req); got != tt.want {
			t.Errorf("LooksSuspicious(%q, %q) = %v, want %v", tt.target, tt.ua, got, tt.want)
		}
	}
}

func TestMemoryFailureCounterWindow(t *testing.T) {
	counter := NewMemoryFailureCounter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		got, _ := counter.Hit(ctx, "a", 15*time.Minute)
		if got != int64(i) {
			t.Fatalf("hit %d count = %d", i, got)
		}
		now = now.Add(time.Minute)
	}

	now = now.Add(15 * time.Minute)
	if got, _ := counter.Hit(ctx, "a", 15*time.Minute); got != 1 {
		t.Fatalf("count after window = %d, want 1", got)
	}

	_ = counter.Reset(ctx, "a")
	if got, _ := counter.Hit(ctx, "a", 15*time.Minute); got != 1 {
		t.Fatalf("count after reset = %d, want 1", got)
	}
}

func TestMemoryFailureCounterIsBounded(t *testing.T) {
	counter := NewMemoryFailureCounter()
	counter.limit = 3
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return now }
	ctx := context.Background()

	for _, key := range []string{"198.51.100.1", "198.51.100.2", "198.51.100.3", "198.51.100.4", "198.51.100.5"} {
		if _, err := counter.Hit(ctx, key, 15*time.Minute); err != nil {
			t.Fatalf("Hit(%s): %v", key, err)
		}
		now = now.Add(time.Second)
	}

	if len(counter.hits) != 3 {
		t.Fatalf("tracked %d addresses, want 3", len(counter.hits))
	}
	for _, evicted := range []string{"198.51.100.1", "198.51.100.2"} {
		if _, ok := counter.hits[evicted]; ok {
			t.Fatalf("%s should have been evicted", evicted)
		}
	}

	// a tracked address keeps counting while the map is full
	if got, _ := counter.Hit(ctx, "198.51.100.3", 15*time.Minute); got != 2 {
		t.Fatalf("count for tracked address = %d, want 2", got)
	}

	for i := 0; i < maxHitsPerAddress+10; i++ {
		_, _ = counter.Hit(ctx, "198.51.100.5", 15*time.Minute)
	}
	if n := len(counter.hits["198.51.100.5"]); n != maxHitsPerAddress {
		t.Fatalf("kept %d hits, want %d", n, maxHitsPerAddress)
	}
}
