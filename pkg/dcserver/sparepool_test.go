package dcserver

import (
	"testing"

	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/gokit/assert"
)

func TestSelectPicksSmallestFit(t *testing.T) {
	pool := newStaticSparePool([]SpareConfig{
		{Drive: "big", Capacity: 4096},
		{Drive: "small", Capacity: 128},
		{Drive: "medium-b", Capacity: 1024},
		{Drive: "medium-a", Capacity: 1024},
	})

	pick := func(min dctypes.Lba) string {
		candidate, found := pool.Select(min)
		if !found {
			return "<none>"
		}
		return string(candidate.Drive)
	}

	assert.EqualString(t, pick(100), "small")
	assert.EqualString(t, pick(129), "medium-a")
	assert.EqualString(t, pick(4096), "big")
	assert.EqualString(t, pick(4097), "<none>")

	pool.Consume("medium-a")
	assert.EqualString(t, pick(129), "medium-b")

	pool.Release("medium-a")
	assert.EqualString(t, pick(129), "medium-a")
}

func TestUnhealthyAndInUseSparesAreSkipped(t *testing.T) {
	pool := newStaticSparePool([]SpareConfig{
		{Drive: "s1", Capacity: 512},
		{Drive: "s2", Capacity: 512},
	})

	assert.Assert(t, pool.SetHealthy("s1", false) == nil)
	pool.MarkInUse(map[dctypes.DriveID]dctypes.VirtualDriveID{"s2": "vd1"})

	_, found := pool.Select(1)
	assert.Assert(t, !found)

	// describing still works, so an explicit destination gets a precise rejection
	candidate, err := pool.Describe("s1")
	assert.Assert(t, err == nil)
	assert.Assert(t, !candidate.Healthy)

	_, err = pool.Describe("nope")
	assert.EqualString(t, err.Error(), "not a spare: nope")
	assert.EqualString(t, pool.SetHealthy("nope", true).Error(), "not a spare: nope")

	statuses := pool.Status()
	assert.Assert(t, len(statuses) == 2)
	assert.EqualString(t, string(statuses[0].Drive), "s1")
	assert.Assert(t, !statuses[0].Healthy && !statuses[0].Used)
	assert.Assert(t, statuses[1].Healthy && statuses[1].Used)
}
