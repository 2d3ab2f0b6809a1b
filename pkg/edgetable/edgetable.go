// Per-controller view of virtual drive edges: which backing drive each edge points to and
// what this controller currently knows about its health
package edgetable

import (
	"sort"
	"sync"

	"github.com/function61/drivecopy/pkg/dctypes"
)

type Edge struct {
	Index         dctypes.EdgeIndex
	Backing       dctypes.DriveID // "" = not connected
	Capacity      dctypes.Lba
	PathState     dctypes.PathState
	EndOfLife     bool
	DriveFault    bool
	TimeoutErrors bool
	lastSeq       uint64
}

func (e Edge) Connected() bool {
	return e.Backing != ""
}

// faults that abort a copy when seen on the destination
func (e Edge) Faulted() bool {
	return e.Connected() && (e.EndOfLife || e.DriveFault || e.PathState == dctypes.PathBroken)
}

// timeout errors override path health: the path counts as broken until the swap completes
func (e Edge) EffectivePathState() dctypes.PathState {
	if e.TimeoutErrors && e.PathState == dctypes.PathEnabled {
		return dctypes.PathBroken
	}

	return e.PathState
}

type entry struct {
	mode  dctypes.ConfigMode
	edges [2]Edge
}

type Table struct {
	drives map[dctypes.VirtualDriveID]*entry
	dirty  map[dctypes.VirtualDriveID]bool // changed since last TakeDirty()
	mu     sync.Mutex
}

func New() *Table {
	return &Table{
		drives: map[dctypes.VirtualDriveID]*entry{},
		dirty:  map[dctypes.VirtualDriveID]bool{},
	}
}

// (re)loads durable connection info. health flags of edges whose backing is unchanged are
// kept, others start from a clean slate (the health feed re-reports at-least-once)
func (t *Table) Load(vd *dctypes.VirtualDrive) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryFor(vd.ID)
	e.mode = vd.Mode

	for i, conn := range vd.Edges {
		idx := dctypes.EdgeIndex(i)

		if e.edges[i].Backing == conn.Backing && conn.Connected() {
			e.edges[i].Capacity = conn.Capacity
			continue
		}

		e.edges[i] = newEdge(idx, conn.Backing, conn.Capacity)
	}

	t.dirty[vd.ID] = true
}

// resolves (source, destination) from the configuration mode. EdgeInvalid for unknown drives
func (t *Table) GetSourceDestination(vd dctypes.VirtualDriveID) (dctypes.EdgeIndex, dctypes.EdgeIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.drives[vd]
	if !found {
		return dctypes.EdgeInvalid, dctypes.EdgeInvalid
	}

	return e.mode.SourceDestination()
}

// idempotent. returns false if the edge already pointed to the same drive
func (t *Table) Connect(vd dctypes.VirtualDriveID, idx dctypes.EdgeIndex, backing dctypes.DriveID, capacity dctypes.Lba) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entryFor(vd)
	if e.edges[idx].Backing == backing {
		return false
	}

	e.edges[idx] = newEdge(idx, backing, capacity)
	t.dirty[vd] = true

	return true
}

// idempotent. returns false if the edge was not connected
func (t *Table) Disconnect(vd dctypes.VirtualDriveID, idx dctypes.EdgeIndex) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.drives[vd]
	if !found || !e.edges[idx].Connected() {
		return false
	}

	e.edges[idx] = newEdge(idx, "", 0)
	t.dirty[vd] = true

	return true
}

func (t *Table) Edge(vd dctypes.VirtualDriveID, idx dctypes.EdgeIndex) Edge {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.drives[vd]
	if !found || !idx.Valid() {
		return newEdge(idx, "", 0)
	}

	return e.edges[idx]
}

// applies a health feed item. returns false for items that changed nothing: duplicates,
// items older than what we've seen, and items for a drive the edge no longer points to
func (t *Table) Apply(ev dctypes.EdgeEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.drives[ev.VirtualDrive]
	if !found || !ev.Edge.Valid() {
		return false
	}

	edge := &e.edges[ev.Edge]
	if !edge.Connected() || edge.Backing != ev.Backing {
		return false
	}

	if ev.Seq != 0 {
		if ev.Seq <= edge.lastSeq {
			return false
		}
		edge.lastSeq = ev.Seq
	}

	before := *edge

	switch ev.Flag {
	case dctypes.FlagEndOfLife:
		edge.EndOfLife = ev.Set
	case dctypes.FlagDriveFault:
		edge.DriveFault = ev.Set
	case dctypes.FlagTimeoutErrors:
		edge.TimeoutErrors = ev.Set
	case dctypes.FlagPathState:
		edge.PathState = ev.Path
	}

	if before.EndOfLife == edge.EndOfLife &&
		before.DriveFault == edge.DriveFault &&
		before.TimeoutErrors == edge.TimeoutErrors &&
		before.PathState == edge.PathState {
		return false
	}

	t.dirty[ev.VirtualDrive] = true

	return true
}

// drives whose edges or mode changed since the previous call, sorted for stable evaluation order
func (t *Table) TakeDirty() []dctypes.VirtualDriveID {
	t.mu.Lock()
	defer t.mu.Unlock()

	dirty := make([]dctypes.VirtualDriveID, 0, len(t.dirty))
	for vd := range t.dirty {
		dirty = append(dirty, vd)
	}

	t.dirty = map[dctypes.VirtualDriveID]bool{}

	sort.Slice(dirty, func(i, j int) bool { return dirty[i] < dirty[j] })

	return dirty
}

func (t *Table) entryFor(vd dctypes.VirtualDriveID) *entry {
	e, found := t.drives[vd]
	if !found {
		e = &entry{
			edges: [2]Edge{
				newEdge(dctypes.EdgeFirst, "", 0),
				newEdge(dctypes.EdgeSecond, "", 0),
			},
		}
		t.drives[vd] = e
	}

	return e
}

func newEdge(idx dctypes.EdgeIndex, backing dctypes.DriveID, capacity dctypes.Lba) Edge {
	state := dctypes.PathInvalid
	if backing != "" {
		state = dctypes.PathDisabled
	}

	return Edge{
		Index:     idx,
		Backing:   backing,
		Capacity:  capacity,
		PathState: state,
	}
}
