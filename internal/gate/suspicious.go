package gate

import (
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	probePathPattern = regexp.MustCompile(`(?i)(/wp-admin|/wp-login|/wp-content|/phpmyadmin|/pma/|/administrator|/admin\.php|/\.env|/\.git|/\.aws|/\.ssh|/cgi-bin|/server-status|/actuator|/boaform|/vendor/phpunit)`)
	sqlKeywordPattern = regexp.MustCompile(`(?i)(\bunion\b.+\bselect\b|\bselect\b.+\bfrom\b|\bdrop\s+table\b|\binsert\s+into\b|'\s*or\s+'?\d|\bsleep\s*\()`)
	traversalPattern  = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e)`)
	scannerUAPattern  = regexp.MustCompile(`(?i)(sqlmap|nikto|nmap|masscan|dirbuster|gobuster|wpscan|acunetix|nessus|zgrab|nuclei|havij|w3af|openvas)`)

	disallowedExtensions = map[string]struct{}{
		".php": {}, ".asp": {}, ".aspx": {}, ".jsp": {}, ".cgi": {}, ".pl": {},
		".env": {}, ".git": {}, ".sql": {}, ".bak": {}, ".ini": {}, ".sh": {},
		".old": {}, ".swp": {}, ".config": {},
	}
)

// LooksSuspicious is the cheap pre-filter for failed requests outside the
// auth and rate-limit paths. Only requests it flags are fully scored.
func LooksSuspicious(r *http.Request) bool {
	if r == nil || r.URL == nil {
		return false
	}

	rawPath := r.URL.EscapedPath()
	decodedPath := r.URL.Path
	query := r.URL.RawQuery
	if decoded, err := url.QueryUnescape(query); err == nil {
		query = decoded
	}

	switch {
	case probePathPattern.MatchString(decodedPath):
		return true
	case hasDisallowedExtension(decodedPath):
		return true
	case traversalPattern.MatchString(rawPath) || traversalPattern.MatchString(r.URL.RawQuery):
		return true
	case sqlKeywordPattern.MatchString(decodedPath) || sqlKeywordPattern.MatchString(query):
		return true
	case scannerUAPattern.MatchString(r.UserAgent()):
		return true
	}
	return false
}

func hasDisallowedExtension(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	_, found := disallowedExtensions[ext]
	return found
}
