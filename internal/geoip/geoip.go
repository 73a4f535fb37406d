// Package geoip resolves request geolocation from edge-provider headers,
// falling back to a MaxMind database keyed by client IP.
package geoip

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/oschwald/maxminddb-golang"

	"github.com/ezlytics/ezlytics/internal/pkg/logger"
)

// Result is a resolved geolocation. Empty strings mean unknown.
type Result struct {
	Country   string // uppercase ISO 3166-1 alpha-2
	Region    string
	City      string
	Lat       float64
	Lon       float64
	HasLatLon bool
}

// Resolver reads provider headers first and lazily opens the mmdb on the
// first IP fallback. The reader is shared read-only for the process
// lifetime and never torn down.
type Resolver struct {
	mmdbPath string

	once   sync.Once
	reader *maxminddb.Reader
}

// NewResolver creates a resolver. An empty mmdbPath disables the IP
// fallback.
func NewResolver(mmdbPath string) *Resolver {
	return &Resolver{mmdbPath: mmdbPath}
}

// Close releases the mmdb reader if it was opened.
func (r *Resolver) Close() error {
	if r.reader != nil {
		return r.reader.Close()
	}
	return nil
}

// Resolve returns the best available geolocation for a request.
func (r *Resolver) Resolve(hdr http.Header, ip string) Result {
	if res, ok := fromHeaders(hdr); ok {
		return res
	}
	return r.lookupIP(ip)
}

// headerSets are tried in order; the first set with a country wins.
var headerSets = [][4]string{
	{"x-vercel-ip-country", "x-vercel-ip-country-region", "x-vercel-ip-city", "x-vercel-ip-latitude"},
	{"cf-ipcountry", "cf-region", "cf-ipcity", "cf-iplatitude"},
	{"x-geo-country", "x-geo-region", "x-geo-city", "x-geo-latitude"},
}

func fromHeaders(hdr http.Header) (Result, bool) {
	for _, set := range headerSets {
		country := cleanValue(hdr.Get(set[0]))
		if country == "" {
			continue
		}
		res := Result{
			Country: normalizeCountry(country),
			Region:  cleanValue(hdr.Get(set[1])),
			City:    cleanValue(hdr.Get(set[2])),
		}
		if res.Country == "" {
			continue
		}
		latKey := set[3]
		lonKey := strings.Replace(latKey, "latitude", "longitude", 1)
		if lat, lon, ok := parseLatLon(hdr.Get(latKey), hdr.Get(lonKey)); ok {
			res.Lat, res.Lon, res.HasLatLon = lat, lon, true
		}
		return res, true
	}
	return Result{}, false
}

type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

func (r *Resolver) lookupIP(ip string) Result {
	if r.mmdbPath == "" || ip == "" {
		return Result{}
	}
	r.once.Do(func() {
		reader, err := maxminddb.Open(r.mmdbPath)
		if err != nil {
			logger.Warn("geoip database unavailable", "path", r.mmdbPath, "error", err.Error())
			return
		}
		r.reader = reader
	})
	if r.reader == nil {
		return Result{}
	}

	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return Result{}
	}
	var rec mmdbRecord
	if err := r.reader.Lookup(addr, &rec); err != nil {
		return Result{}
	}

	res := Result{Country: normalizeCountry(rec.Country.ISOCode)}
	if name := rec.City.Names["en"]; name != "" {
		res.City = cleanValue(name)
	}
	if len(rec.Subdivisions) > 0 {
		if name := rec.Subdivisions[0].Names["en"]; name != "" {
			res.Region = cleanValue(name)
		}
	}
	if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		res.Lat = clampLat(rec.Location.Latitude)
		res.Lon = clampLon(rec.Location.Longitude)
		res.HasLatLon = true
	}
	return res
}

// cleanValue trims, URL-decodes (edge providers percent-encode city names),
// and maps the literal "unknown" to empty.
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	if decoded, err := url.QueryUnescape(v); err == nil {
		v = decoded
	}
	if strings.EqualFold(v, "unknown") || v == "XX" {
		return ""
	}
	return v
}

func normalizeCountry(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 2 || c == "XX" {
		return ""
	}
	return c
}

func parseLatLon(latS, lonS string) (float64, float64, bool) {
	if latS == "" || lonS == "" {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	if err != nil {
		return 0, 0, false
	}
	return clampLat(lat), clampLon(lon), true
}

func clampLat(v float64) float64 {
	if v < -90 {
		return -90
	}
	if v > 90 {
		return 90
	}
	return v
}

func clampLon(v float64) float64 {
	if v < -180 {
		return -180
	}
	if v > 180 {
		return 180
	}
	return v
}
