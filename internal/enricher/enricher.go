package enricher

import (
	"net"
	"time"

	"github.com/mssola/useragent"
	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"

	"github.com/skillbridge254/eventsync/internal/event"
)

type Enricher struct {
	geoIP *geoip2.Reader
	now   func() time.Time
}

// NewEnricher loads the GeoIP database at geoIPPath. Without one, location
// fields are left empty.
func NewEnricher(geoIPPath string) *Enricher {
	var geoIP *geoip2.Reader
	if geoIPPath != "" {
		var err error
		geoIP, err = geoip2.Open(geoIPPath)
		if err != nil {
			log.Warn().Err(err).Str("path", geoIPPath).Msg("GeoIP database unavailable")
		}
	}

	return &Enricher{
		geoIP: geoIP,
		now:   time.Now,
	}
}

// Enrich wraps rec for publishing. The record's own user agent is preferred
// over the request's, which belongs to the sync agent when events arrive
// from the offline queue.
func (e *Enricher) Enrich(rec event.Record, projectID, userAgentString, clientIP string) *event.Envelope {
	env := &event.Envelope{
		Record:     rec,
		ProjectID:  projectID,
		ReceivedAt: e.now().UTC(),
		ClientIP:   clientIP,
	}

	uaString := rec.Context.UserAgent
	if uaString == "" {
		uaString = userAgentString
	}
	if uaString != "" {
		ua := useragent.New(uaString)
		env.Browser, env.BrowserVersion = ua.Browser()
		env.OS = ua.OS()
		if env.Context.DeviceType == event.DeviceUnknown {
			env.Context.DeviceType = event.DeviceTypeFromUserAgent(uaString)
		}
	}

	// GeoIP lookup
	if e.geoIP != nil && clientIP != "" {
		if ip := net.ParseIP(clientIP); ip != nil {
			record, err := e.geoIP.City(ip)
			if err == nil {
				env.Country = record.Country.IsoCode
				if name, ok := record.City.Names["en"]; ok {
					env.City = name
				}
			}
		}
	}

	return env
}

func (e *Enricher) Close() {
	if e.geoIP != nil {
		e.geoIP.Close()
	}
}
