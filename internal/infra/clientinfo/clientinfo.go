package clientinfo

import (
	"fmt"
	"net"
	"strings"

	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
)

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceBot     = "bot"
	unknown       = "unknown"
	localNetwork  = "local"
)

// Resolver turns request origin data into session metadata. Geolocation is
// optional and only enabled when a GeoIP2/GeoLite2 City database is configured.
type Resolver struct {
	geo    *geoip2.Reader
	logger *zap.Logger
}

// NewResolver opens the GeoIP database at path when path is non-empty.
func NewResolver(path string, log *zap.Logger) (*Resolver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Resolver{logger: log}
	if strings.TrimSpace(path) == "" {
		return r, nil
	}

	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	r.geo = db
	return r, nil
}

// Describe parses the user agent and looks up a coarse location for ip.
func (r *Resolver) Describe(ip, userAgent string) domain.SessionMetadata {
	meta := domain.SessionMetadata{
		IP:        ip,
		UserAgent: truncate(userAgent, 512),
		Device:    unknown,
		Browser:   unknown,
		OS:        unknown,
		Country:   unknown,
		City:      unknown,
	}

	if userAgent != "" {
		ua := useragent.New(userAgent)
		switch {
		case ua.Bot():
			meta.Device = DeviceBot
		case ua.Mobile():
			meta.Device = DeviceMobile
		default:
			meta.Device = DeviceDesktop
		}
		if name, version := ua.Browser(); name != "" {
			meta.Browser = strings.TrimSpace(name + " " + version)
		}
		if os := ua.OS(); os != "" {
			meta.OS = os
		}
	}

	r.locate(&meta)
	return meta
}

func (r *Resolver) locate(meta *domain.SessionMetadata) {
	parsed := net.ParseIP(meta.IP)
	if parsed == nil {
		return
	}
	if parsed.IsLoopback() || parsed.IsPrivate() {
		meta.Country = localNetwork
		meta.City = localNetwork
		return
	}
	if r == nil || r.geo == nil {
		return
	}

	record, err := r.geo.City(parsed)
	if err != nil {
		r.logger.Debug("geoip lookup failed", zap.String("ip", logger.MaskIP(meta.IP)), zap.Error(err))
		return
	}
	if record.Country.IsoCode != "" {
		meta.Country = record.Country.IsoCode
	}
	if name := record.City.Names["en"]; name != "" {
		meta.City = name
	}
}

// Close releases the GeoIP database.
func (r *Resolver) Close() error {
	if r == nil || r.geo == nil {
		return nil
	}
	return r.geo.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
