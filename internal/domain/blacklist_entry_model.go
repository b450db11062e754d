package domain

import "time"

const (
	ReasonFailedLogin = "failed_login"
	ReasonAPIAbuse    = "api_abuse"
	ReasonCurlAbuse   = "curl_abuse"
	ReasonManual      = "manual"
)

// BlacklistEntry blocks one normalized client address for one reason category.
// Entries are archived in place (IsActive=false) and never deleted.
type BlacklistEntry struct {
	ID uint64 `gorm:"primaryKey;autoIncrement" json:"id"`

	IP     string `gorm:"size:45;not null;index:idx_blacklist_entries_ip_active,priority:1" json:"ip"`
	Reason string `gorm:"size:32;not null" json:"reason"`

	ThreatLevel  ThreatLevel `gorm:"size:16;not null;default:'medium'" json:"threatLevel"`
	AttemptCount int         `gorm:"not null;default:1" json:"attemptCount"`
	Score        float64     `gorm:"not null;default:0" json:"score"`

	MatchedPatterns StringList `gorm:"type:text" json:"matchedPatterns"`
	UserAgent       string     `gorm:"size:512" json:"userAgent"`
	Path            string     `gorm:"size:1024" json:"path"`
	Method          string     `gorm:"size:16" json:"method"`

	FirstSeen    time.Time `gorm:"not null" json:"firstSeen"`
	LastSeen     time.Time `gorm:"not null" json:"lastSeen"`
	BlockedUntil time.Time `gorm:"not null;index" json:"blockedUntil"`
	IsActive     bool      `gorm:"not null;default:true;index:idx_blacklist_entries_ip_active,priority:2" json:"isActive"`

	ReviewedBy  string     `gorm:"size:255" json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time `json:"reviewedAt,omitempty"`
	ReviewNotes string     `gorm:"type:text" json:"reviewNotes,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// BlockedAt reports whether the entry still blocks at the given instant.
func (e BlacklistEntry) BlockedAt(now time.Time) bool {
	return e.IsActive && now.Before(e.BlockedUntil)
}
