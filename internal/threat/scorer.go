package threat

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"agentfactory/internal/domain"

	"github.com/charmbracelet/log"
)

const maxBodyBytes = 64 << 10

// Heuristic is one weighted signature evaluated against the serialized request.
type Heuristic struct {
	Description string
	Weight      float64
	Pattern     *regexp.Regexp
}

// Request is the subset of an inbound call the scorer looks at.
type Request struct {
	Method    string
	URL       string
	Headers   http.Header
	Query     string
	Body      string
	UserAgent string
}

type Scorer struct {
	heuristics []Heuristic
}

// DefaultHeuristics returns the ordered signature table. Order is significant:
// it is the order of ThreatAnalysis.MatchedPatterns.
func DefaultHeuristics() []Heuristic {
	return []Heuristic{
		{
			Description: "SQL injection",
			Weight:      3,
			Pattern: regexp.MustCompile(`(?i)(\bunion\b(\s+all)?\s+\bselect\b|\bselect\b.+\bfrom\b|\binsert\s+into\b|\bdrop\s+(table|database)\b|\bdelete\s+from\b|` +
				`'\s*\bor\b\s+'?\d+'?\s*=\s*'?\d+|'\s*\bor\b\s*'[^']*'\s*=\s*'|;\s*--|'\s*--|/\*.*\*/|\bsleep\s*\(\s*\d+\s*\)|\bbenchmark\s*\(|\bxp_cmdshell\b)`),
		},
		{
			Description: "XSS script injection",
			Weight:      2.5,
			Pattern:     regexp.MustCompile(`(?i)(<\s*script[^>]*>|<\s*/\s*script\s*>|<\s*iframe[^>]*>|document\.cookie)`),
		},
		{
			Description: "XSS event handler or javascript URI",
			Weight:      2,
			Pattern:     regexp.MustCompile(`(?i)(javascript\s*:|vbscript\s*:|\bon(error|load|click|mouseover|focus|blur|submit)\s*=|\balert\s*\(|\beval\s*\()`),
		},
		{
			Description: "Command injection",
			Weight:      4,
			Pattern:     regexp.MustCompile("(?i)((;|&&|\\|\\|?)\\s*(cat|ls|whoami|uname|wget|curl|nc|netcat|bash|sh|rm|ping|chmod)\\s|`[^`]+`|\\$\\([^)]+\\)|\\$\\{ifs\\})"),
		},
		{
			Description: "Path traversal",
			Weight:      2.5,
			Pattern:     regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e(%2f|/|%5c)|\.\.%2f|/etc/passwd|/etc/shadow|c:\\windows)`),
		},
		{
			Description: "Credential enumeration",
			Weight:      1.5,
			Pattern: regexp.MustCompile(`(?i)(\b(passw(or)?d|pwd)\b["']?\s*[=:]\s*["']?(admin|root|password|123456|12345678|qwerty|letmein|changeme|toor)\b|` +
				`\b(user(name)?|login)\b["']?\s*[=:]\s*["']?(admin|root|administrator|guest|test)\b)`),
		},
		{
			Description: "Security scanner signature",
			Weight:      3,
			Pattern:     regexp.MustCompile(`(?i)\b(sqlmap|nikto|nmap|masscan|dirbuster|gobuster|wpscan|acunetix|nessus|burpsuite|zgrab|nuclei|havij|w3af|openvas)\b`),
		},
		{
			Description: "Scripted client",
			Weight:      1.1,
			Pattern:     regexp.MustCompile(`(?i)\b(curl|wget|python-requests)\b`),
		},
		{
			Description: "IP spoofing headers",
			Weight:      2,
			Pattern: regexp.MustCompile(`(?im)(^(x-originating-ip|x-remote-ip|x-remote-addr|x-client-ip|true-client-ip):|` +
				`^x-forwarded-for:.*\b(127\.0\.0\.1|localhost|0\.0\.0\.0)\b)`),
		},
	}
}

func NewScorer(heuristics []Heuristic) *Scorer {
	if heuristics == nil {
		heuristics = DefaultHeuristics()
	}
	return &Scorer{heuristics: heuristics}
}

var defaultScorer = NewScorer(nil)

// Analyze scores req with the default heuristic table.
func Analyze(req Request) domain.ThreatAnalysis {
	return defaultScorer.Analyze(req)
}

// Analyze evaluates every heuristic against the serialized request and sums
// the weights of those that match. It never panics.
func (s *Scorer) Analyze(req Request) (result domain.ThreatAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("Threat analysis failed, treating request as benign", "panic", fmt.Sprint(r))
			result = domain.NoThreat()
		}
	}()

	if s == nil {
		return domain.NoThreat()
	}

	text := Serialize(req)
	matched := make([]string, 0, 4)
	var score float64

	for _, h := range s.heuristics {
		if h.Pattern == nil {
			continue
		}
		if h.Pattern.MatchString(text) {
			score += h.Weight
			matched = append(matched, h.Description)
		}
	}

	return domain.ThreatAnalysis{
		Score:           score,
		Level:           domain.LevelForScore(score),
		MatchedPatterns: matched,
	}
}

// Serialize flattens a request into the text blob the heuristics scan.
// Header names are emitted sorted so identical requests serialize identically.
func Serialize(req Request) string {
	var b strings.Builder

	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte(' ')
	b.WriteString(req.URL)
	b.WriteByte('\n')
	if decoded, err := url.PathUnescape(req.URL); err == nil && decoded != req.URL {
		b.WriteString(decoded)
		b.WriteByte('\n')
	}

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range req.Headers[name] {
			b.WriteString(strings.ToLower(name))
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteByte('\n')
		}
	}

	if req.Query != "" {
		b.WriteString(req.Query)
		b.WriteByte('\n')
		if decoded, err := url.QueryUnescape(req.Query); err == nil && decoded != req.Query {
			b.WriteString(decoded)
			b.WriteByte('\n')
		}
	}

	body := req.Body
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}
	b.WriteString(body)
	b.WriteByte('\n')

	if req.UserAgent != "" {
		b.WriteString("user-agent: ")
		b.WriteString(req.UserAgent)
		b.WriteByte('\n')
	}

	return b.String()
}

// RequestFromHTTP builds a scorer view of r. body is passed separately because
// the handler has usually consumed r.Body already.
func RequestFromHTTP(r *http.Request, body []byte) Request {
	if r == nil {
		return Request{}
	}

	req := Request{
		Method:    r.Method,
		Headers:   r.Header,
		UserAgent: r.UserAgent(),
		Body:      string(body),
	}
	if r.URL != nil {
		req.URL = r.URL.RequestURI()
		req.Query = r.URL.RawQuery
	}
	return req
}
