package index

import (
	"math"
	"testing"
)

func TestObsDateAndMidnight(t *testing.T) {
	const ts = 1527016443.25
	date := ObsDate(ts)
	if date != "2018-05-22" {
		t.Fatalf("ObsDate = %s, want 2018-05-22", date)
	}
	m, err := Midnight(date)
	if err != nil {
		t.Fatal(err)
	}
	if m != 1526947200 {
		t.Fatalf("Midnight = %f, want 1526947200", m)
	}
	if ts-m >= SecondsPerDay {
		t.Fatalf("timestamp %f is more than a day after midnight %f", ts, m)
	}
	if _, err := Midnight("22/05/2018"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestJulianDateAndSiderealTime(t *testing.T) {
	jd, err := JulianDate("2018-05-22")
	if err != nil {
		t.Fatal(err)
	}
	if jd != 2458260.5 {
		t.Fatalf("JulianDate = %f, want 2458260.5", jd)
	}

	jd2000, err := JulianDate("2000-01-01")
	if err != nil {
		t.Fatal(err)
	}
	// 6h39m52.3s at 0h UT on 2000-01-01.
	if gst := GST0(jd2000); math.Abs(gst-6.66452) > 1e-4 {
		t.Fatalf("GST0 = %f h, want 6.66452", gst)
	}
	if r := EarthRotationRate(j2000JD); r != 1.002737909350795 {
		t.Fatalf("EarthRotationRate = %.15f", r)
	}
	if g := GST0(jd); g < 0 || g >= 24 {
		t.Fatalf("GST0 = %f outside [0, 24)", g)
	}
}
