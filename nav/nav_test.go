package nav

import (
	"math"
	"testing"
)

const (
	ggaSentence = "$GPGGA,034225.077,3342.6618,N,11751.3858,W,1,03,9.7,-25.0,M,-21.3,M,,0000*7C"
	rmcSentence = "$GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W*70"
)

func TestFeedGGA(t *testing.T) {
	r := NewReceiver()
	if err := r.Feed(ggaSentence); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	f := r.Fix()
	if !f.Valid {
		t.Fatal("fix not valid after GGA with fix quality 1")
	}
	if f.Latitude < 33.0 || f.Latitude > 34.0 {
		t.Fatalf("latitude = %v", f.Latitude)
	}
	if f.Longitude > -117.0 || f.Longitude < -118.0 {
		t.Fatalf("longitude = %v", f.Longitude)
	}
	if f.Satellites != 3 {
		t.Fatalf("satellites = %d", f.Satellites)
	}
	if math.Abs(f.HDOP-9.7) > 1e-9 {
		t.Fatalf("hdop = %v", f.HDOP)
	}
	if math.Abs(f.AltitudeM-(-25.0)) > 1e-9 {
		t.Fatalf("altitude = %v", f.AltitudeM)
	}
}

func TestFeedRMCSetsTimestamp(t *testing.T) {
	r := NewReceiver()
	if err := r.Feed(rmcSentence); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	f := r.Fix()
	if !f.Valid {
		t.Fatal("fix not valid after RMC with validity A")
	}
	if f.Timestamp.IsZero() {
		t.Fatal("timestamp not set from RMC")
	}
	// Two-digit year 94 maps into the 2000-based window used by the receiver.
	if f.Timestamp.Year() != 2094 {
		t.Fatalf("timestamp year = %d", f.Timestamp.Year())
	}
	if f.Timestamp.Hour() != 22 || f.Timestamp.Minute() != 5 || f.Timestamp.Second() != 16 {
		t.Fatalf("timestamp = %v", f.Timestamp)
	}
}

func TestFeedMalformedSentence(t *testing.T) {
	r := NewReceiver()
	if err := r.Feed(ggaSentence); err != nil {
		t.Fatal(err)
	}
	before := r.Fix()

	if err := r.Feed("$GPGGA,garbage*00"); err == nil {
		t.Fatal("expected parse error")
	}
	if r.Fix() != before {
		t.Fatal("malformed sentence changed the fix")
	}
}

func TestFlatShape(t *testing.T) {
	r := NewReceiver()

	flat := r.Flat()
	if flat["fix"] != false {
		t.Fatalf("fix = %v before any sentence", flat["fix"])
	}
	if _, ok := flat["timestamp"]; ok {
		t.Fatal("timestamp present without a dated fix")
	}

	if err := r.Feed(ggaSentence); err != nil {
		t.Fatal(err)
	}
	flat = r.Flat()
	if flat["fix"] != true {
		t.Fatalf("fix = %v", flat["fix"])
	}
	for _, key := range []string{"latitude", "longitude", "altitude_m", "satellites", "hdop"} {
		if _, ok := flat[key]; !ok {
			t.Fatalf("flat fix missing %q", key)
		}
	}
}
