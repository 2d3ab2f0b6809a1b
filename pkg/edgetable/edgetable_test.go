package edgetable

import (
	"fmt"
	"testing"

	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/gokit/assert"
)

func loadedTable() *Table {
	table := New()

	vd := &dctypes.VirtualDrive{
		ID:   "vd1",
		Mode: dctypes.PassThruPrimary,
	}
	vd.Edges[dctypes.EdgeFirst] = dctypes.EdgeConnection{Backing: "0_0_1", Capacity: 1000}

	table.Load(vd)
	table.TakeDirty()

	return table
}

func sourceDestination(table *Table) string {
	src, dst := table.GetSourceDestination("vd1")
	return fmt.Sprintf("%d,%d", src, dst)
}

func TestGetSourceDestination(t *testing.T) {
	table := loadedTable()

	assert.EqualString(t, sourceDestination(table), "0,-1")

	vd := &dctypes.VirtualDrive{ID: "vd1", Mode: dctypes.MirrorSecondary}
	vd.Edges[dctypes.EdgeFirst] = dctypes.EdgeConnection{Backing: "0_0_1", Capacity: 1000}
	vd.Edges[dctypes.EdgeSecond] = dctypes.EdgeConnection{Backing: "0_0_9", Capacity: 1000}
	table.Load(vd)
	assert.EqualString(t, sourceDestination(table), "1,0")

	vd.Mode = dctypes.PassThruSecondary
	table.Load(vd)
	assert.EqualString(t, sourceDestination(table), "1,-1")

	src, dst := table.GetSourceDestination("unknown")
	assert.Assert(t, src == dctypes.EdgeInvalid && dst == dctypes.EdgeInvalid)
}

func TestConnectDisconnectIdempotent(t *testing.T) {
	table := loadedTable()

	assert.Assert(t, table.Connect("vd1", dctypes.EdgeSecond, "0_0_9", 2000))
	assert.Assert(t, !table.Connect("vd1", dctypes.EdgeSecond, "0_0_9", 2000))

	edge := table.Edge("vd1", dctypes.EdgeSecond)
	assert.EqualString(t, string(edge.Backing), "0_0_9")
	assert.EqualString(t, edge.PathState.String(), "Disabled")

	assert.Assert(t, table.Disconnect("vd1", dctypes.EdgeSecond))
	assert.Assert(t, !table.Disconnect("vd1", dctypes.EdgeSecond))
	assert.Assert(t, !table.Edge("vd1", dctypes.EdgeSecond).Connected())
}

func TestDisconnectIsVisibleAsDirty(t *testing.T) {
	table := loadedTable()

	assert.Assert(t, len(table.TakeDirty()) == 0)

	table.Disconnect("vd1", dctypes.EdgeFirst)

	assert.EqualString(t, fmt.Sprintf("%v", table.TakeDirty()), "[vd1]")
	assert.Assert(t, len(table.TakeDirty()) == 0)
}

func TestApplyHealthFeed(t *testing.T) {
	table := loadedTable()

	eol := dctypes.EdgeEvent{
		VirtualDrive: "vd1",
		Edge:         dctypes.EdgeFirst,
		Backing:      "0_0_1",
		Flag:         dctypes.FlagEndOfLife,
		Set:          true,
		Seq:          2,
	}

	assert.Assert(t, table.Apply(eol))
	assert.Assert(t, table.Edge("vd1", dctypes.EdgeFirst).EndOfLife)
	assert.Assert(t, table.Edge("vd1", dctypes.EdgeFirst).Faulted())

	// redelivery
	assert.Assert(t, !table.Apply(eol))

	// older item arriving late must not undo the newer one
	cleared := eol
	cleared.Set = false
	cleared.Seq = 1
	assert.Assert(t, !table.Apply(cleared))
	assert.Assert(t, table.Edge("vd1", dctypes.EdgeFirst).EndOfLife)

	// item about a drive the edge no longer points to
	other := eol
	other.Backing = "0_0_7"
	other.Seq = 3
	assert.Assert(t, !table.Apply(other))
}

func TestTimeoutErrorsOverridePathState(t *testing.T) {
	table := loadedTable()

	table.Apply(dctypes.EdgeEvent{VirtualDrive: "vd1", Edge: dctypes.EdgeFirst, Backing: "0_0_1", Flag: dctypes.FlagPathState, Path: dctypes.PathEnabled})
	assert.EqualString(t, table.Edge("vd1", dctypes.EdgeFirst).EffectivePathState().String(), "Enabled")

	table.Apply(dctypes.EdgeEvent{VirtualDrive: "vd1", Edge: dctypes.EdgeFirst, Backing: "0_0_1", Flag: dctypes.FlagTimeoutErrors, Set: true})
	edge := table.Edge("vd1", dctypes.EdgeFirst)
	assert.EqualString(t, edge.EffectivePathState().String(), "Broken")
	// timeouts are retryable, not a permanent fault
	assert.Assert(t, !edge.Faulted())
}

func TestLoadKeepsHealthOfUnchangedEdges(t *testing.T) {
	table := loadedTable()

	table.Apply(dctypes.EdgeEvent{VirtualDrive: "vd1", Edge: dctypes.EdgeFirst, Backing: "0_0_1", Flag: dctypes.FlagDriveFault, Set: true})

	vd := &dctypes.VirtualDrive{ID: "vd1", Mode: dctypes.MirrorPrimary}
	vd.Edges[dctypes.EdgeFirst] = dctypes.EdgeConnection{Backing: "0_0_1", Capacity: 1000}
	vd.Edges[dctypes.EdgeSecond] = dctypes.EdgeConnection{Backing: "0_0_9", Capacity: 1000}
	table.Load(vd)

	assert.Assert(t, table.Edge("vd1", dctypes.EdgeFirst).DriveFault)
	assert.EqualString(t, string(table.Edge("vd1", dctypes.EdgeSecond).Backing), "0_0_9")
}
