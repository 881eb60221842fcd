// Package geo holds the distance and priority helpers shared by admission,
// anti-spam and the sound policy.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const EarthRadiusKm = 6371.0

// Priority bands ordered LOW < NORMAL < HIGH < CRITICAL.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Outranks reports whether p is strictly more urgent than other.
func (p Priority) Outranks(other Priority) bool {
	return p > other
}

func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(name, s) {
			return p, nil
		}
	}
	return PriorityLow, fmt.Errorf("unknown priority %q", s)
}

// DistanceKm is the haversine great-circle distance between two points.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(d float64) float64 { return d * (math.Pi / 180) }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func PriorityForDistance(km float64) Priority {
	switch {
	case km <= 0.5:
		return PriorityCritical
	case km <= 2.0:
		return PriorityHigh
	case km <= 5.0:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

var ErrInvalidPoint = errors.New("invalid WKT point")

// ParsePoint decodes "POINT(lng lat)", optionally prefixed with "SRID=n;".
func ParsePoint(wkt string) (lat, lng float64, err error) {
	s := strings.TrimSpace(wkt)
	if i := strings.Index(s, ";"); i >= 0 && strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		s = strings.TrimSpace(s[i+1:])
	}
	if len(s) < len("POINT()") || !strings.EqualFold(s[:5], "POINT") {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPoint, wkt)
	}
	s = strings.TrimSpace(s[5:])
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPoint, wkt)
	}
	fields := strings.Fields(s[1 : len(s)-1])
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPoint, wkt)
	}
	lng, err = strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: longitude: %v", ErrInvalidPoint, err)
	}
	lat, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: latitude: %v", ErrInvalidPoint, err)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, fmt.Errorf("%w: out of range %q", ErrInvalidPoint, wkt)
	}
	return lat, lng, nil
}
