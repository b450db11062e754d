package database

import (
	"context"
	"testing"
	"time"

	"agentfactory/internal/domain"
)

func newEntry(ip, reason string, level domain.ThreatLevel, until time.Time) domain.BlacklistEntry {
	now := time.Now().UTC()
	return domain.BlacklistEntry{
		IP:           ip,
		Reason:       reason,
		ThreatLevel:  level,
		AttemptCount: 1,
		FirstSeen:    now,
		LastSeen:     now,
		BlockedUntil: until.UTC(),
		IsActive:     true,
	}
}

func TestActiveEntryUniquePerReason(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	mustCreateEntry(t, newEntry("203.0.113.7", domain.ReasonFailedLogin, domain.ThreatLevelHigh, until))

	dup := newEntry("203.0.113.7", domain.ReasonFailedLogin, domain.ThreatLevelHigh, until)
	if err := CreateBlacklistEntry(ctx, &dup); err == nil {
		t.Fatal("expected unique index violation for second active entry")
	}

	other := newEntry("203.0.113.7", domain.ReasonAPIAbuse, domain.ThreatLevelLow, until)
	if err := CreateBlacklistEntry(ctx, &other); err != nil {
		t.Fatalf("different reason should be allowed: %v", err)
	}

	entries, err := FindActiveBlacklistEntries(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("active entries = %d, want 2", len(entries))
	}
}

func TestFindActiveBlacklistEntryMissing(t *testing.T) {
	setupTestDB(t)

	entry, err := FindActiveBlacklistEntry(context.Background(), "198.51.100.1", domain.ReasonManual)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry, got %#v", entry)
	}
}

func TestUpdateBlacklistEntry(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	created := mustCreateEntry(t, newEntry("203.0.113.8", domain.ReasonCurlAbuse, domain.ThreatLevelMedium, time.Now().Add(time.Minute)))

	until := time.Now().Add(2 * time.Hour).UTC()
	if err := UpdateBlacklistEntry(ctx, created.ID, map[string]any{
		"attempt_count": 2,
		"blocked_until": until,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := FindActiveBlacklistEntry(ctx, "203.0.113.8", domain.ReasonCurlAbuse)
	if err != nil || got == nil {
		t.Fatalf("reload: %v %v", got, err)
	}
	if got.AttemptCount != 2 {
		t.Fatalf("attempt count = %d, want 2", got.AttemptCount)
	}
	if !got.BlockedUntil.Equal(until) {
		t.Fatalf("blocked until = %v, want %v", got.BlockedUntil, until)
	}

	if err := UpdateBlacklistEntry(ctx, 999999, map[string]any{"attempt_count": 3}); err == nil {
		t.Fatal("expected error for unknown entry")
	}
}

func TestDeactivateBlacklistEntries(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	until := time.Now().Add(time.Hour)

	mustCreateEntry(t, newEntry("192.0.2.10", domain.ReasonFailedLogin, domain.ThreatLevelHigh, until))
	mustCreateEntry(t, newEntry("192.0.2.10", domain.ReasonAPIAbuse, domain.ThreatLevelMedium, until))
	mustCreateEntry(t, newEntry("192.0.2.11", domain.ReasonAPIAbuse, domain.ThreatLevelMedium, until))

	at := time.Now().UTC()
	n, err := DeactivateBlacklistEntries(ctx, "192.0.2.10", "alice", "false positive", at)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if n != 2 {
		t.Fatalf("deactivated = %d, want 2", n)
	}

	entries, err := ListBlacklistEntries(ctx, BlacklistFilter{IP: "192.0.2.10"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (archived, not deleted)", len(entries))
	}
	for _, e := range entries {
		if e.IsActive {
			t.Fatalf("entry %d still active", e.ID)
		}
		if e.ReviewedBy != "alice" || e.ReviewNotes != "false positive" || e.ReviewedAt == nil {
			t.Fatalf("review not recorded: %#v", e)
		}
	}

	remaining, err := FindActiveBlacklistEntries(ctx, "192.0.2.11")
	if err != nil || len(remaining) != 1 {
		t.Fatalf("other ip should be untouched: %v %v", remaining, err)
	}
}

func TestDeactivateExpiredAndCounts(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustCreateEntry(t, newEntry("192.0.2.20", domain.ReasonFailedLogin, domain.ThreatLevelHigh, now.Add(-time.Minute)))
	mustCreateEntry(t, newEntry("192.0.2.21", domain.ReasonFailedLogin, domain.ThreatLevelCritical, now.Add(time.Hour)))
	mustCreateEntry(t, newEntry("192.0.2.22", domain.ReasonAPIAbuse, domain.ThreatLevelCritical, now.Add(time.Hour)))

	n, err := DeactivateExpiredBlacklistEntries(ctx, now)
	if err != nil {
		t.Fatalf("deactivate expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	counts, err := CountBlacklistEntries(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Total != 3 || counts.Active != 2 {
		t.Fatalf("counts = %+v, want total 3 active 2", counts)
	}
	if counts.ByLevel[domain.ThreatLevelCritical] != 2 || counts.ByLevel[domain.ThreatLevelHigh] != 0 {
		t.Fatalf("by level = %v", counts.ByLevel)
	}
	if _, ok := counts.ByLevel[domain.ThreatLevelLow]; !ok {
		t.Fatal("every level should be reported")
	}
}

func TestQueriesWithoutDatabase(t *testing.T) {
	DB = nil
	if _, err := FindActiveBlacklistEntries(context.Background(), "192.0.2.1"); err != ErrNotInitialised {
		t.Fatalf("err = %v, want ErrNotInitialised", err)
	}
}
