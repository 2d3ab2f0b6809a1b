// Test doubles shared by package tests: a store with a known topology, a mover that queues
// its work, a spare pool, a notification recorder and an observer
package dctest

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/function61/drivecopy/pkg/copysm"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

// rg1: three members vd0..vd2 backed by d0..d2, each 1000 blocks + 50 blocks of paged
// metadata, regions of 100 blocks, survives one failure
func Topology() dcdb.Topology {
	members := []dcdb.MemberSpec{}
	for i := 0; i < 3; i++ {
		members = append(members, dcdb.MemberSpec{
			VirtualDrive:     dctypes.VirtualDriveID(fmt.Sprintf("vd%d", i)),
			Drive:            dctypes.DriveID(fmt.Sprintf("d%d", i)),
			Capacity:         1000,
			MetadataCapacity: 50,
		})
	}

	return dcdb.Topology{
		RaidGroups: []dcdb.RaidGroupSpec{
			{
				ID:             "rg1",
				Redundancy:     1,
				RegionSize:     100,
				PreferredOwner: "a",
				Members:        members,
			},
		},
	}
}

func OpenStore(t *testing.T, name string, topology dcdb.Topology) *dcdb.Store {
	t.Helper()

	db, err := dcdb.Open(filepath.Join(t.TempDir(), name+".db"))
	assert.Assert(t, err == nil)
	t.Cleanup(func() { _ = db.Close() })

	assert.Assert(t, dcdb.Bootstrap(db, topology, logex.Discard) == nil)

	return dcdb.NewStore(db)
}

func VirtualDrive(t *testing.T, store *dcdb.Store, id dctypes.VirtualDriveID) *dctypes.VirtualDrive {
	t.Helper()

	var vd *dctypes.VirtualDrive
	assert.Assert(t, store.View(func(q *dcdb.Queries) error {
		var err error
		vd, err = q.VirtualDrive(id)
		return err
	}) == nil)

	return vd
}

func RebuildMap(t *testing.T, store *dcdb.Store, id dctypes.RebuildMapID) *dctypes.RebuildMap {
	t.Helper()

	var m *dctypes.RebuildMap
	assert.Assert(t, store.View(func(q *dcdb.Queries) error {
		var err error
		m, err = q.RebuildMap(id)
		return err
	}) == nil)

	return m
}

// nil if there is no job
func CopyJob(t *testing.T, store *dcdb.Store, vd dctypes.VirtualDriveID) *dctypes.CopyJob {
	t.Helper()

	var job *dctypes.CopyJob
	assert.Assert(t, store.View(func(q *dcdb.Queries) error {
		var err error
		job, err = q.CopyJob(vd)
		if err == dcdb.ErrNotFound {
			return nil
		}
		return err
	}) == nil)

	return job
}

type QueueMover struct {
	Chunks   []copysm.ChunkRequest
	Rebuilds []copysm.RebuildRequest
	mu       sync.Mutex
}

func (q *QueueMover) CopyChunk(req copysm.ChunkRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Chunks = append(q.Chunks, req)
}

func (q *QueueMover) RebuildRegion(req copysm.RebuildRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Rebuilds = append(q.Rebuilds, req)
}

func (q *QueueMover) PopChunk() (copysm.ChunkRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.Chunks) == 0 {
		return copysm.ChunkRequest{}, false
	}

	req := q.Chunks[0]
	q.Chunks = q.Chunks[1:]

	return req, true
}

func (q *QueueMover) PopRebuild() (copysm.RebuildRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.Rebuilds) == 0 {
		return copysm.RebuildRequest{}, false
	}

	req := q.Rebuilds[0]
	q.Rebuilds = q.Rebuilds[1:]

	return req, true
}

type Spare struct {
	Capacity dctypes.Lba
	Healthy  bool
	used     bool
}

type SparePool struct {
	Drives map[dctypes.DriveID]*Spare
}

// s1 and s2: healthy, 2000 blocks
func NewSparePool() *SparePool {
	return &SparePool{
		Drives: map[dctypes.DriveID]*Spare{
			"s1": {Capacity: 2000, Healthy: true},
			"s2": {Capacity: 2000, Healthy: true},
		},
	}
}

func (s *SparePool) Select(minCapacity dctypes.Lba) (dctypes.SpareCandidate, bool) {
	ids := []string{}
	for id := range s.Drives {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	for _, id := range ids {
		spare := s.Drives[dctypes.DriveID(id)]
		if !spare.used && spare.Healthy && spare.Capacity >= minCapacity {
			return dctypes.SpareCandidate{Drive: dctypes.DriveID(id), Capacity: spare.Capacity, Healthy: true}, true
		}
	}

	return dctypes.SpareCandidate{}, false
}

func (s *SparePool) Describe(drive dctypes.DriveID) (dctypes.SpareCandidate, error) {
	spare, found := s.Drives[drive]
	if !found {
		return dctypes.SpareCandidate{}, fmt.Errorf("no such drive: %s", drive)
	}

	return dctypes.SpareCandidate{Drive: drive, Capacity: spare.Capacity, Healthy: spare.Healthy}, nil
}

func (s *SparePool) Consume(drive dctypes.DriveID) {
	if spare, found := s.Drives[drive]; found {
		spare.used = true
	}
}

func (s *SparePool) Release(drive dctypes.DriveID) {
	if spare, found := s.Drives[drive]; found {
		spare.used = false
	}
}

func (s *SparePool) InUse(drive dctypes.DriveID) bool {
	spare, found := s.Drives[drive]
	return found && spare.used
}

type Notifications struct {
	Items []dctypes.Notification
	mu    sync.Mutex
}

func (n *Notifications) Notify(item dctypes.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Items = append(n.Items, item)
}

func (n *Notifications) Count(code dctypes.EventCode) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for _, item := range n.Items {
		if item.Code == code {
			count++
		}
	}

	return count
}

// codes without progress events, in order
func (n *Notifications) Codes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	codes := []string{}
	for _, item := range n.Items {
		if item.Code != dctypes.EventCopyProgress {
			codes = append(codes, string(item.Code))
		}
	}

	return codes
}

func (n *Notifications) Last() dctypes.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.Items) == 0 {
		return dctypes.Notification{}
	}

	return n.Items[len(n.Items)-1]
}

type Observer struct {
	Verdicts map[copysm.Point]copysm.Verdict
	mu       sync.Mutex
}

func NewObserver() *Observer {
	return &Observer{Verdicts: map[copysm.Point]copysm.Verdict{}}
}

func (o *Observer) Set(point copysm.Point, verdict copysm.Verdict) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.Verdicts[point] = verdict
}

func (o *Observer) Observe(point copysm.Point, _ dctypes.VirtualDriveID) copysm.Verdict {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.Verdicts[point]
}
