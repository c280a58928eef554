// Package nav maintains the current navigation fix from a stream of NMEA 0183
// sentences and exposes it as a pull-style accessor. Command responses consume
// it opportunistically; the mesh engines never do.
package nav

import (
	"strings"
	"sync"
	"time"

	"github.com/adrianmo/go-nmea"
)

// Fix is the last known position. A zero Fix means no sentence with a valid
// fix has been seen since boot.
type Fix struct {
	Valid      bool
	Latitude   float64
	Longitude  float64
	AltitudeM  float64
	Satellites int
	HDOP       float64
	Timestamp  time.Time
}

// Receiver consumes sentences from the serial navigation module. Feed and Fix
// may be called from different goroutines.
type Receiver struct {
	mu  sync.Mutex
	fix Fix
}

func NewReceiver() *Receiver {
	return &Receiver{}
}

// Feed parses one sentence and folds it into the current fix. A sentence that
// fails to parse leaves the fix unchanged.
func (r *Receiver) Feed(sentence string) error {
	s, err := nmea.Parse(strings.TrimSpace(sentence))
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch m := s.(type) {
	case nmea.GGA:
		r.fix.Valid = m.FixQuality != nmea.Invalid
		if r.fix.Valid {
			r.fix.Latitude = m.Latitude
			r.fix.Longitude = m.Longitude
			r.fix.AltitudeM = m.Altitude
		}
		r.fix.Satellites = int(m.NumSatellites)
		r.fix.HDOP = m.HDOP

	case nmea.RMC:
		if m.Validity == nmea.ValidRMC {
			r.fix.Valid = true
			r.fix.Latitude = m.Latitude
			r.fix.Longitude = m.Longitude
			r.fix.Timestamp = time.Date(2000+m.Date.YY, time.Month(m.Date.MM), m.Date.DD,
				m.Time.Hour, m.Time.Minute, m.Time.Second, m.Time.Millisecond*int(time.Millisecond),
				time.UTC)
		}
	}
	return nil
}

// Fix returns the current fix.
func (r *Receiver) Fix() Fix {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fix
}

// Flat returns the fix as the flat object shape used in command responses.
func (r *Receiver) Flat() map[string]any {
	f := r.Fix()

	out := map[string]any{
		"fix":        f.Valid,
		"latitude":   f.Latitude,
		"longitude":  f.Longitude,
		"altitude_m": f.AltitudeM,
		"satellites": f.Satellites,
		"hdop":       f.HDOP,
	}
	if !f.Timestamp.IsZero() {
		out["timestamp"] = f.Timestamp.UTC().Format(time.RFC3339)
	}
	return out
}
