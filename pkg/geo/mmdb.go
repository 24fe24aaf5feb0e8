package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MMDBProvider resolves addresses from a MaxMind GeoLite2/GeoIP2 City database
type MMDBProvider struct {
	db *geoip2.Reader
}

// OpenMMDB opens the database at path
func OpenMMDB(path string) (*MMDBProvider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database at %s: %w", path, err)
	}
	return &MMDBProvider{db: db}, nil
}

func (p *MMDBProvider) Lookup(ctx context.Context, ip string) (Result, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Result{}, fmt.Errorf("invalid IP address: %s", ip)
	}

	record, err := p.db.City(parsed)
	if err != nil {
		return Result{}, &TransportError{Op: "mmdb lookup", Err: err}
	}

	res := Result{
		IP:          ip,
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		City:        record.City.Names["en"],
		Zip:         record.Postal.Code,
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		res.RegionCode = record.Subdivisions[0].IsoCode
		res.Region = record.Subdivisions[0].Names["en"]
	}
	res.Location = flagLocation(res.CountryCode)
	return res, nil
}

// Close releases the database
func (p *MMDBProvider) Close() error {
	return p.db.Close()
}
