// Package astro owns the pure astronomy math used for gating.
//
// Ownership boundary:
// - time scales (Julian date, sidereal time)
// - low precision solar position
// - alt/az transforms and the observability verdict
// - parallactic angle for field derotation
package astro

import (
	"fmt"
	"math"
	"time"
)

// Site is the fixed observatory location.
type Site struct {
	LatitudeDeg  float64
	LongitudeDeg float64
	ElevationM   float64
}

// Limits gate the observability verdict.
type Limits struct {
	MinAltitudeDeg      float64
	TwilightAltitudeDeg float64
	IgnoreTwilight      bool
}

// Status is one observability evaluation at a point in time.
type Status struct {
	Observable     bool
	TargetAltitude float64
	TargetAzimuth  float64
	SunAltitude    float64
	SunAzimuth     float64
	Airmass        float64
	Reasons        []string
	CheckedAt      time.Time
}

const (
	j2000        = 2451545.0
	degPerHour   = 15.0
	hoursPerTurn = 24.0
)

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func normalizeDeg(d float64) float64 {
	d = math.Mod(d, 360)
	if d < 0 {
		d += 360
	}
	return d
}

func normalizeHours(h float64) float64 {
	h = math.Mod(h, hoursPerTurn)
	if h < 0 {
		h += hoursPerTurn
	}
	return h
}

// JulianDate converts a wall-clock instant to a Julian date (UTC).
func JulianDate(t time.Time) float64 {
	return float64(t.UTC().UnixMilli())/86400000.0 + 2440587.5
}

// GMSTHours is Greenwich mean sidereal time in hours.
func GMSTHours(t time.Time) float64 {
	d := JulianDate(t) - j2000
	return normalizeHours(18.697374558 + 24.06570982441908*d)
}

// LSTHours is local mean sidereal time; east longitudes positive.
func LSTHours(t time.Time, longitudeDeg float64) float64 {
	return normalizeHours(GMSTHours(t) + longitudeDeg/degPerHour)
}

// SunRADec is the apparent solar position, accurate to well under a
// degree, which is ample for a twilight gate.
func SunRADec(t time.Time) (raHours, decDeg float64) {
	n := JulianDate(t) - j2000
	meanLon := normalizeDeg(280.460 + 0.9856474*n)
	meanAnom := radians(normalizeDeg(357.528 + 0.9856003*n))
	eclipticLon := radians(normalizeDeg(meanLon + 1.915*math.Sin(meanAnom) + 0.020*math.Sin(2*meanAnom)))
	obliquity := radians(23.439 - 0.0000004*n)

	ra := math.Atan2(math.Cos(obliquity)*math.Sin(eclipticLon), math.Cos(eclipticLon))
	dec := math.Asin(math.Sin(obliquity) * math.Sin(eclipticLon))
	return normalizeHours(degrees(ra) / degPerHour), degrees(dec)
}

// AltAz transforms equatorial coordinates to horizon coordinates.
// Azimuth is measured from north, increasing eastward.
func AltAz(raHours, decDeg, latitudeDeg, lstHours float64) (altDeg, azDeg float64) {
	hourAngle := radians(normalizeHours(lstHours-raHours) * degPerHour)
	dec := radians(decDeg)
	lat := radians(latitudeDeg)

	sinAlt := math.Sin(dec)*math.Sin(lat) + math.Cos(dec)*math.Cos(lat)*math.Cos(hourAngle)
	alt := math.Asin(clamp(sinAlt, -1, 1))

	cosAz := (math.Sin(dec) - sinAlt*math.Sin(lat)) / (math.Cos(alt) * math.Cos(lat))
	az := math.Acos(clamp(cosAz, -1, 1))
	if math.Sin(hourAngle) > 0 {
		az = 2*math.Pi - az
	}
	return degrees(alt), degrees(az)
}

// ParallacticAngle is the angle at the target between the hour circle
// and the vertical circle, in degrees within (-180, 180]. Fiber and
// slit instruments on equatorial mounts derotate against its drift.
func ParallacticAngle(raHours, decDeg, latitudeDeg, lstHours float64) float64 {
	hourAngle := radians(normalizeHours(lstHours-raHours) * degPerHour)
	dec := radians(decDeg)
	lat := radians(latitudeDeg)

	q := math.Atan2(math.Sin(hourAngle),
		math.Tan(lat)*math.Cos(dec)-math.Sin(dec)*math.Cos(hourAngle))
	return degrees(q)
}

// Airmass is the plane-parallel approximation 1/cos(z); +Inf when the
// target is below the horizon or past 80 degrees zenith distance.
func Airmass(altDeg float64) float64 {
	if altDeg <= 0 {
		return math.Inf(1)
	}
	zenith := 90 - altDeg
	if zenith >= 80 {
		return math.Inf(1)
	}
	return 1.0 / math.Cos(radians(zenith))
}

// SunAltitude is the solar altitude at the site, for twilight checks.
func SunAltitude(site Site, t time.Time) float64 {
	raHours, decDeg := SunRADec(t)
	alt, _ := AltAz(raHours, decDeg, site.LatitudeDeg, LSTHours(t, site.LongitudeDeg))
	return alt
}

// Check evaluates whether target coordinates are worth pointing at now.
func Check(site Site, limits Limits, raHours, decDeg float64, now time.Time) Status {
	lst := LSTHours(now, site.LongitudeDeg)
	targetAlt, targetAz := AltAz(raHours, decDeg, site.LatitudeDeg, lst)

	sunRA, sunDec := SunRADec(now)
	sunAlt, sunAz := AltAz(sunRA, sunDec, site.LatitudeDeg, lst)

	status := Status{
		TargetAltitude: targetAlt,
		TargetAzimuth:  targetAz,
		SunAltitude:    sunAlt,
		SunAzimuth:     sunAz,
		Airmass:        Airmass(targetAlt),
		CheckedAt:      now,
		Observable:     true,
	}

	if targetAlt < limits.MinAltitudeDeg {
		status.Observable = false
		status.Reasons = append(status.Reasons,
			fmt.Sprintf("target altitude %.1f below minimum %.1f", targetAlt, limits.MinAltitudeDeg))
	}
	if !limits.IgnoreTwilight && sunAlt > limits.TwilightAltitudeDeg {
		status.Observable = false
		condition := "twilight"
		if sunAlt > 0 {
			condition = "day"
		}
		status.Reasons = append(status.Reasons,
			fmt.Sprintf("sun altitude %.1f above limit %.1f (%s)", sunAlt, limits.TwilightAltitudeDeg, condition))
	}
	if status.Observable {
		status.Reasons = append(status.Reasons, "target is observable")
	}
	return status
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
