package index

import (
	"fmt"
	"math"
	"time"
)

const (
	unixEpochJD = 2440587.5
	j2000JD     = 2451545.0
)

// DateLayout is the observation date format used in descriptors.
const DateLayout = "2006-01-02"

// ObsDate returns the UTC date of a unix timestamp.
func ObsDate(unix float64) string {
	sec, frac := math.Modf(unix)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(DateLayout)
}

// Midnight returns UTC midnight of date in unix seconds.
func Midnight(date string) (float64, error) {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("parse observation date %q: %w", date, err)
	}
	return float64(t.Unix()), nil
}

// JulianDate returns the Julian date at 0h UTC on date.
func JulianDate(date string) (float64, error) {
	m, err := Midnight(date)
	if err != nil {
		return 0, err
	}
	return m/SecondsPerDay + unixEpochJD, nil
}

// GST0 is the Greenwich sidereal time at 0h UT on Julian date jd, in hours.
func GST0(jd float64) float64 {
	t := (jd - j2000JD) / 36525.0
	gmst := 24110.54841 + t*(8640184.812866+t*(0.093104-t*6.2e-6))
	gmst = math.Mod(gmst/3600.0, 24.0)
	if gmst < 0 {
		gmst += 24.0
	}
	return gmst
}

// EarthRotationRate is the earth's rotation rate in turns per day.
func EarthRotationRate(jd float64) float64 {
	t := (jd - j2000JD) / 36525.0
	return 1.002737909350795 + 5.9006e-11*t - 5.9e-15*t*t
}
