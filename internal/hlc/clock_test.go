package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/libraryd/internal/ids"
)

func fakeWall(t *time.Time) WallClock {
	return func() time.Time { return *t }
}

func TestNowStrictlyIncreasing(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	wall := fakeWall(&now)
	c := New(ids.NewDeviceID(), wall)

	var prev Stamp

	for i := 0; i < 50; i++ {
		s, err := c.Now()
		require.NoError(t, err)

		if i > 0 {
			assert.True(t, s.After(prev), "H1: stamp %d must be after previous", i)
		}

		prev = s
	}
}

func TestNowAdvancesCounterWithinSameMillisecond(t *testing.T) {
	now := time.UnixMilli(5000)
	wall := fakeWall(&now)
	c := New(ids.NewDeviceID(), wall)

	s1, err := c.Now()
	require.NoError(t, err)

	s2, err := c.Now()
	require.NoError(t, err)

	assert.Equal(t, s1.PhysicalMS, s2.PhysicalMS)
	assert.Equal(t, s1.Counter+1, s2.Counter)
}

func TestNowResetsCounterOnWallAdvance(t *testing.T) {
	now := time.UnixMilli(5000)
	wall := fakeWall(&now)
	c := New(ids.NewDeviceID(), wall)

	_, err := c.Now()
	require.NoError(t, err)

	now = time.UnixMilli(6000)

	s2, err := c.Now()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s2.Counter)
}

func TestUpdateExceedsBoth(t *testing.T) {
	now := time.UnixMilli(1000)
	wall := fakeWall(&now)
	device := ids.NewDeviceID()
	c := New(device, wall)

	local, err := c.Now()
	require.NoError(t, err)

	incoming := Stamp{PhysicalMS: 1000, Counter: local.Counter + 10, DeviceID: ids.NewDeviceID()}

	updated, err := c.Update(incoming)
	require.NoError(t, err)

	assert.True(t, updated.After(local), "H2: update result must exceed prior local stamp")
	assert.True(t, updated.After(incoming), "H2: update result must exceed incoming stamp")
}

func TestUpdateDifferentPhysicalTimesPicksMax(t *testing.T) {
	now := time.UnixMilli(1000)
	wall := fakeWall(&now)
	c := New(ids.NewDeviceID(), wall)

	incoming := Stamp{PhysicalMS: 5000, Counter: 3, DeviceID: ids.NewDeviceID()}

	updated, err := c.Update(incoming)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), updated.PhysicalMS)
	assert.Equal(t, uint32(4), updated.Counter)
}

func TestClockSkewRefused(t *testing.T) {
	now := time.UnixMilli(10 * time.Hour.Milliseconds())
	wall := fakeWall(&now)
	c := New(ids.NewDeviceID(), wall)

	_, err := c.Now()
	require.NoError(t, err)

	now = time.UnixMilli(0)

	_, err = c.Now()
	require.ErrorIs(t, err, ErrClockSkew)
}

func TestCounterOverflow(t *testing.T) {
	now := time.UnixMilli(1000)
	wall := fakeWall(&now)
	c := New(ids.NewDeviceID(), wall)
	c.lastPhysMS = 1000
	c.lastCount = maxCounter

	_, err := c.Now()
	require.ErrorIs(t, err, ErrCounterOverflow)
}

func TestStampOrderingLexicographic(t *testing.T) {
	d1, _ := ids.ParseDeviceID("00000000-0000-0000-0000-000000000001")
	d2, _ := ids.ParseDeviceID("00000000-0000-0000-0000-000000000002")

	a := Stamp{PhysicalMS: 100, Counter: 1, DeviceID: d2}
	b := Stamp{PhysicalMS: 100, Counter: 2, DeviceID: d1}

	assert.True(t, a.Before(b))

	c := Stamp{PhysicalMS: 100, Counter: 1, DeviceID: d1}
	assert.True(t, c.Before(a))
}

func TestParseStampRoundTrips(t *testing.T) {
	d, _ := ids.ParseDeviceID("00000000-0000-0000-0000-000000000001")
	original := Stamp{PhysicalMS: 1_700_000_000_123, Counter: 42, DeviceID: d}

	parsed, err := ParseStamp(original.String())
	require.NoError(t, err)
	assert.Equal(t, 0, original.Compare(parsed))
}

func TestParseStampRejectsMalformedInput(t *testing.T) {
	_, err := ParseStamp("not-a-stamp")
	assert.Error(t, err)

	_, err = ParseStamp("abc:0000000001:00000000-0000-0000-0000-000000000001")
	assert.Error(t, err)
}
