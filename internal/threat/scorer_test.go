package threat

import (
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"agentfactory/internal/domain"
)

func TestAnalyze_LoginSQLInjection(t *testing.T) {
	req := Request{
		Method: http.MethodPost,
		URL:    "/api/login",
		Headers: http.Header{
			"Content-Type": []string{"application/json"},
		},
		Body: `{"email":"' OR 1=1 --","password":"x"}`,
	}

	got := Analyze(req)
	if got.Score < 3 {
		t.Fatalf("score = %v, want >= 3", got.Score)
	}
	if got.Level != domain.ThreatLevelHigh {
		t.Fatalf("level = %q, want high", got.Level)
	}
	if len(got.MatchedPatterns) != 1 || got.MatchedPatterns[0] != "SQL injection" {
		t.Fatalf("matched = %v, want [SQL injection]", got.MatchedPatterns)
	}
}

func TestAnalyze_ScannerUserAgent(t *testing.T) {
	got := Analyze(Request{Method: http.MethodGet, URL: "/api/agents", UserAgent: "sqlmap/1.5"})

	if got.Score != 3 {
		t.Fatalf("score = %v, want 3", got.Score)
	}
	if got.Level != domain.ThreatLevelHigh {
		t.Fatalf("level = %q, want high", got.Level)
	}
}

func TestAnalyze_AccumulatesInTableOrder(t *testing.T) {
	req := Request{
		Method:    http.MethodPost,
		URL:       "/api/tools/run",
		Body:      "host=example.com; cat /etc/passwd ",
		UserAgent: "curl/8.4.0",
	}

	got := Analyze(req)

	want := []string{"Command injection", "Path traversal", "Scripted client"}
	if !reflect.DeepEqual(got.MatchedPatterns, want) {
		t.Fatalf("matched = %v, want %v", got.MatchedPatterns, want)
	}
	if math.Abs(got.Score-7.6) > 1e-9 {
		t.Fatalf("score = %v, want 7.6", got.Score)
	}
	if got.Level != domain.ThreatLevelCritical {
		t.Fatalf("level = %q, want critical", got.Level)
	}
}

func TestAnalyze_SingleSignals(t *testing.T) {
	tests := []struct {
		name  string
		req   Request
		score float64
		level domain.ThreatLevel
	}{
		{
			name:  "benign",
			req:   Request{Method: http.MethodGet, URL: "/api/agents?page=2", Query: "page=2", UserAgent: "Mozilla/5.0"},
			score: 0,
			level: domain.ThreatLevelLow,
		},
		{
			name:  "curl alone",
			req:   Request{Method: http.MethodGet, URL: "/api/agents", UserAgent: "curl/7.68.0"},
			score: 1.1,
			level: domain.ThreatLevelLow,
		},
		{
			name: "spoofed client ip header",
			req: Request{
				Method:  http.MethodGet,
				URL:     "/api/agents",
				Headers: http.Header{"X-Client-Ip": []string{"10.0.0.1"}},
			},
			score: 2,
			level: domain.ThreatLevelMedium,
		},
		{
			name:  "encoded traversal",
			req:   Request{Method: http.MethodGet, URL: "/static/%2e%2e%2fconfig"},
			score: 2.5,
			level: domain.ThreatLevelMedium,
		},
		{
			name:  "default credential guess",
			req:   Request{Method: http.MethodPost, URL: "/auth/login", Body: "username=admin&password=letmein"},
			score: 1.5,
			level: domain.ThreatLevelLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Analyze(tt.req)
			if math.Abs(got.Score-tt.score) > 1e-9 {
				t.Fatalf("score = %v, want %v (matched %v)", got.Score, tt.score, got.MatchedPatterns)
			}
			if got.Level != tt.level {
				t.Fatalf("level = %q, want %q", got.Level, tt.level)
			}
		})
	}
}

func TestAnalyze_Deterministic(t *testing.T) {
	req := Request{
		Method: http.MethodPost,
		URL:    "/api/agents?name=%3Cscript%3Ealert(1)%3C/script%3E",
		Query:  "name=%3Cscript%3Ealert(1)%3C/script%3E",
		Headers: http.Header{
			"X-Forwarded-For": []string{"127.0.0.1, 203.0.113.9"},
			"Accept":          []string{"*/*"},
			"Cookie":          []string{"sid=abc; theme=dark"},
		},
		Body:      "union select password from users",
		UserAgent: "python-requests/2.31",
	}

	first := Analyze(req)
	for i := 0; i < 10; i++ {
		if got := Analyze(req); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %+v, want %+v", i, got, first)
		}
	}
	if first.Level != domain.ThreatLevelCritical {
		t.Fatalf("level = %q, want critical", first.Level)
	}
}

func TestAnalyze_NilScorerIsBenign(t *testing.T) {
	var s *Scorer
	got := s.Analyze(Request{Body: "' OR 1=1 --"})
	if got.Score != 0 || got.Level != domain.ThreatLevelLow || got.MatchedPatterns == nil {
		t.Fatalf("got %+v, want zero-score low result", got)
	}
}

func TestSerialize_SortsHeaders(t *testing.T) {
	text := Serialize(Request{
		Method: "get",
		URL:    "/",
		Headers: http.Header{
			"X-B": []string{"2"},
			"X-A": []string{"1"},
		},
	})

	if !strings.HasPrefix(text, "GET /\n") {
		t.Fatalf("unexpected prefix: %q", text)
	}
	if strings.Index(text, "x-a: 1") > strings.Index(text, "x-b: 2") {
		t.Fatalf("headers not sorted: %q", text)
	}
}

func TestRequestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/search?q=%3Cscript%3E", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")

	req := RequestFromHTTP(r, nil)
	if req.Query != "q=%3Cscript%3E" {
		t.Fatalf("query = %q", req.Query)
	}
	if req.UserAgent != "Mozilla/5.0" {
		t.Fatalf("user agent = %q", req.UserAgent)
	}

	got := Analyze(req)
	if got.Level != domain.ThreatLevelMedium || got.Score != 2.5 {
		t.Fatalf("got %+v, want XSS script injection only", got)
	}
}
