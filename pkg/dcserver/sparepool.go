package dcserver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/samber/lo"
)

type spare struct {
	drive    dctypes.DriveID
	capacity dctypes.Lba
	healthy  bool
	used     bool
}

// spares listed in the config file. picks the smallest spare that fits, so the big ones
// are left for big drives
type staticSparePool struct {
	spares map[dctypes.DriveID]*spare
	mu     sync.Mutex
}

func newStaticSparePool(conf []SpareConfig) *staticSparePool {
	pool := &staticSparePool{
		spares: map[dctypes.DriveID]*spare{},
	}

	for _, item := range conf {
		pool.spares[dctypes.DriveID(item.Drive)] = &spare{
			drive:    dctypes.DriveID(item.Drive),
			capacity: dctypes.Lba(item.Capacity),
			healthy:  true,
		}
	}

	return pool
}

func (s *staticSparePool) Select(minCapacity dctypes.Lba) (dctypes.SpareCandidate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := lo.Filter(lo.Values(s.spares), func(item *spare, _ int) bool {
		return !item.used && item.healthy && item.capacity >= minCapacity
	})
	if len(candidates) == 0 {
		return dctypes.SpareCandidate{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].capacity != candidates[j].capacity {
			return candidates[i].capacity < candidates[j].capacity
		}

		return candidates[i].drive < candidates[j].drive
	})

	return candidates[0].candidate(), true
}

func (s *staticSparePool) Describe(drive dctypes.DriveID) (dctypes.SpareCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, found := s.spares[drive]
	if !found {
		return dctypes.SpareCandidate{}, fmt.Errorf("not a spare: %s", drive)
	}

	return item.candidate(), nil
}

func (s *staticSparePool) Consume(drive dctypes.DriveID) {
	s.setUsed(drive, true)
}

func (s *staticSparePool) Release(drive dctypes.DriveID) {
	s.setUsed(drive, false)
}

func (s *staticSparePool) SetHealthy(drive dctypes.DriveID, healthy bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, found := s.spares[drive]
	if !found {
		return fmt.Errorf("not a spare: %s", drive)
	}

	item.healthy = healthy

	return nil
}

// spares that became raid group members before a restart are no longer spares
func (s *staticSparePool) MarkInUse(drives map[dctypes.DriveID]dctypes.VirtualDriveID) {
	for drive := range drives {
		s.setUsed(drive, true)
	}
}

type SpareStatus struct {
	Drive    dctypes.DriveID
	Capacity dctypes.Lba
	Healthy  bool
	Used     bool
}

func (s *staticSparePool) Status() []SpareStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := lo.Map(lo.Values(s.spares), func(item *spare, _ int) SpareStatus {
		return SpareStatus{
			Drive:    item.drive,
			Capacity: item.capacity,
			Healthy:  item.healthy,
			Used:     item.used,
		}
	})
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Drive < statuses[j].Drive })

	return statuses
}

func (s *staticSparePool) setUsed(drive dctypes.DriveID, used bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, found := s.spares[drive]; found {
		item.used = used
	}
}

func (s *spare) candidate() dctypes.SpareCandidate {
	return dctypes.SpareCandidate{
		Drive:    s.drive,
		Capacity: s.capacity,
		Healthy:  s.healthy,
	}
}
