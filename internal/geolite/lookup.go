package geolite

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"

	"agentfactory/internal/support"
)

const (
	dataDir         = "data/geolite"
	countryFilename = "GeoLite2-Country.mmdb"
)

var (
	countryDB *geoip2.Reader
	geoMu     sync.RWMutex

	ErrUnavailable = errors.New("geolite: country database unavailable")
)

// CountryDatabasePath is GEOLITE_DB_PATH or the default download location.
func CountryDatabasePath() string {
	return support.GetEnv("GEOLITE_DB_PATH", filepath.Join(dataDir, countryFilename))
}

// Load opens the country database from disk, replacing any open reader.
func Load() error {
	data, err := os.ReadFile(CountryDatabasePath())
	if err != nil {
		return err
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return err
	}

	geoMu.Lock()
	old := countryDB
	countryDB = reader
	geoMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func Available() bool {
	geoMu.RLock()
	defer geoMu.RUnlock()
	return countryDB != nil
}

// Country returns the ISO code for ip, or "" when unknown.
func Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}

	geoMu.RLock()
	defer geoMu.RUnlock()
	if countryDB == nil {
		return ""
	}

	record, err := countryDB.Country(parsed)
	if err != nil {
		log.Debug("GeoLite country lookup failed", "ip", ip, "error", err)
		return ""
	}
	return record.Country.IsoCode
}

// Lookup adapts the package-level reader to the gate's CountryLookup.
type Lookup struct{}

func (Lookup) Country(ip string) string {
	return Country(ip)
}

func Close() {
	geoMu.Lock()
	defer geoMu.Unlock()
	if countryDB != nil {
		_ = countryDB.Close()
		countryDB = nil
	}
}
