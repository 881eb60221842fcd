package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceKm(t *testing.T) {
	assert.Equal(t, 0.0, DistanceKm(52.52, 13.405, 52.52, 13.405))
	assert.InDelta(t, 111.19, DistanceKm(0, 0, 0, 1), 0.5)
	assert.InDelta(t, DistanceKm(10, 20, 11, 21), DistanceKm(11, 21, 10, 20), 1e-9)
}

func TestPriorityForDistanceBands(t *testing.T) {
	cases := []struct {
		km   float64
		want Priority
	}{
		{0, PriorityCritical},
		{0.5, PriorityCritical},
		{0.51, PriorityHigh},
		{2.0, PriorityHigh},
		{3.0, PriorityNormal},
		{5.0, PriorityNormal},
		{5.01, PriorityLow},
		{250, PriorityLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PriorityForDistance(tc.km), "distance %.2f", tc.km)
	}
}

func TestPriorityIsMonotonicInDistance(t *testing.T) {
	prev := PriorityForDistance(0)
	for d := 0.0; d < 20; d += 0.05 {
		p := PriorityForDistance(d)
		assert.False(t, p.Outranks(prev), "priority rose at %.2f km", d)
		prev = p
	}
}

func TestPriorityText(t *testing.T) {
	b, err := PriorityHigh.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HIGH", string(b))

	var p Priority
	require.NoError(t, p.UnmarshalText([]byte("critical")))
	assert.Equal(t, PriorityCritical, p)
	assert.Error(t, p.UnmarshalText([]byte("urgent")))
}

func TestParsePoint(t *testing.T) {
	lat, lng, err := ParsePoint("POINT(13.405 52.52)")
	require.NoError(t, err)
	assert.Equal(t, 52.52, lat)
	assert.Equal(t, 13.405, lng)

	lat, lng, err = ParsePoint("SRID=4326;POINT (-0.1276 51.5072)")
	require.NoError(t, err)
	assert.Equal(t, 51.5072, lat)
	assert.Equal(t, -0.1276, lng)

	for _, bad := range []string{"", "POINT()", "POINT(1)", "LINESTRING(0 0, 1 1)", "POINT(a b)", "POINT(10 95)"} {
		_, _, err := ParsePoint(bad)
		assert.ErrorIs(t, err, ErrInvalidPoint, bad)
	}
}
