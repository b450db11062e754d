package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"agentfactory/internal/geolite"
	"agentfactory/internal/support"
)

const (
	geoLiteUpdateLockKey = "agentfactory:leader:geolite_update"
	geoLiteUpdateEvery   = 24 * time.Hour
)

// StartGeoLiteUpdateRoutine refreshes the country database daily. Without a
// license key it only loads whatever file is already on disk.
func StartGeoLiteUpdateRoutine(ctx context.Context, client *redis.Client, licenseKey string) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := geolite.Load(); err != nil {
		log.Debug("GeoLite country database not loaded", "path", geolite.CountryDatabasePath(), "error", err)
	}

	if licenseKey == "" {
		return
	}

	err := support.RunWithLeader(ctx, client, geoLiteUpdateLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runGeoLiteUpdateLoop(leaderCtx, licenseKey)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("GeoLite update routine stopped", "error", err)
	}
}

func runGeoLiteUpdateLoop(ctx context.Context, licenseKey string) {
	ticker := time.NewTicker(geoLiteUpdateEvery)
	defer ticker.Stop()

	if !geolite.Available() {
		triggerGeoLiteUpdate(ctx, licenseKey, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			triggerGeoLiteUpdate(ctx, licenseKey, "scheduled")
		}
	}
}

func triggerGeoLiteUpdate(ctx context.Context, licenseKey, reason string) {
	updated, err := geolite.UpdateDatabase(ctx, licenseKey)
	switch {
	case errors.Is(err, geolite.ErrNoAPIKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	case updated:
		log.Info("GeoLite country database updated", "reason", reason)
	}
}
