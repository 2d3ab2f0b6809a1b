// Tracks which regions of which positions are stale ("needs-rebuild") and whether a
// position is rebuild-logging. Shared by raid group maps (positions = members) and
// virtual drive maps (positions = edges)
package rebuildlog

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/gokit/logex"
)

var (
	ErrPositionNotClean = errors.New("position still has regions needing rebuild")
	ErrWriteOutOfRange  = errors.New("write outside of the mapped range")
)

// how this controller currently sees a position
type PositionView struct {
	Backing dctypes.DriveID // drive currently backing the position
	Usable  bool            // backing drive is connected and not faulted
}

type attrKey struct {
	mapID    dctypes.RebuildMapID
	position int
}

type Coordinator struct {
	// timeout-errors path attributes are local to this controller: each controller sees
	// its own paths, and each must clear its own
	timeoutAttrs map[attrKey]dctypes.DriveID
	mu           sync.Mutex
	logl         *logex.Leveled
}

func New(logger *log.Logger) *Coordinator {
	return &Coordinator{
		timeoutAttrs: map[attrKey]dctypes.DriveID{},
		logl:         logex.Levels(logger),
	}
}

// new edge connected to a position. a drive that is provably in sync gets a clean map
// directly, anything else starts rebuild-logging with every region needing rebuild.
// marking happens lazily (MaterializeMarks) but is in effect from this point on
func (c *Coordinator) EdgeConnected(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int, inSync bool) error {
	return c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		if inSync {
			p.clearAll()
			p.state().RebuildLogging = false
			return nil
		}

		p.markAllLazily()
		p.state().RebuildLogging = true
		p.state().RebuildCheckpoint = 0

		return nil
	})
}

// writes addressed to this position from now on are logged instead of applied
func (c *Coordinator) StartLogging(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int) error {
	return c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		p.state().RebuildLogging = true
		return nil
	})
}

// turns pending mark-alls into real bits, at most budget regions per position
func (c *Coordinator) MaterializeMarks(tx *dcdb.Tx, mapID dctypes.RebuildMapID, budget int) (bool, error) {
	m, err := tx.Read().RebuildMap(mapID)
	if err != nil {
		return false, err
	}

	done := true
	changed := false

	for pos := range m.Positions {
		if !m.Positions[pos].MarkPending {
			continue
		}

		p, err := openPosition(m, pos)
		if err != nil {
			return false, err
		}

		if !p.materialize(budget) {
			done = false
		}

		if err := p.save(); err != nil {
			return false, err
		}

		changed = true
	}

	if !changed {
		return true, nil
	}

	return done, tx.SaveRebuildMap(m)
}

// data below lba is in sync on this position. lba >= capacity means everything is
func (c *Coordinator) ClearBelow(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int, lba dctypes.Lba, capacity dctypes.Lba) error {
	return c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		regions := int(lba / p.m.RegionSize)
		if lba >= capacity {
			regions = p.m.RegionCount
		}

		p.clearBelow(regions)

		return nil
	})
}

// position is provably in sync (or no longer part of the drive). rebuild logging is left
// as-is and cleared separately with ClearRebuildLogging()
func (c *Coordinator) ClearPosition(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int) error {
	return c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		p.clearAll()
		return nil
	})
}

// refuses with ErrPositionNotClean if any region still needs rebuild
func (c *Coordinator) ClearRebuildLogging(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int) error {
	return c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		if !p.clean() {
			return fmt.Errorf("%s position %d: %w", mapID, pos, ErrPositionNotClean)
		}

		p.state().RebuildLogging = false

		return nil
	})
}

// hands regions from lba upwards to ordinary rebuild
func (c *Coordinator) MarkFrom(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int, lba dctypes.Lba) error {
	return c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		from := 0
		if lba != dctypes.LbaInvalid {
			from = int(lba / p.m.RegionSize)
		}

		p.markRange(from, p.m.RegionCount)
		p.state().RebuildLogging = true
		p.state().RebuildCheckpoint = dctypes.Lba(from) * p.m.RegionSize

		return nil
	})
}

// records a write to a rebuild-logging position. returns false if the position was not logging.
// writes reaching past the end of the map are refused with ErrWriteOutOfRange
func (c *Coordinator) LogWrite(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int, start dctypes.Lba, count dctypes.Lba) (bool, error) {
	logged := false

	err := c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		if count == 0 {
			return nil
		}

		if capacity := dctypes.Lba(p.m.RegionCount) * p.m.RegionSize; start >= capacity || count > capacity-start {
			return fmt.Errorf("%s position %d: %d blocks at %d: %w", mapID, pos, count, start, ErrWriteOutOfRange)
		}

		if !p.state().RebuildLogging {
			return nil
		}

		first := int(start / p.m.RegionSize)
		last := int((start + count - 1) / p.m.RegionSize)

		p.markRange(first, last+1)
		logged = true

		return nil
	})

	return logged, err
}

// next region ordinary rebuild should work on
func (c *Coordinator) NextRebuildRegion(m *dctypes.RebuildMap, pos int) (int, bool, error) {
	p, err := openPosition(m, pos)
	if err != nil {
		return 0, false, err
	}

	region, found := p.firstDirty()

	return region, found, nil
}

func (c *Coordinator) RegionRebuilt(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int, region int) error {
	return c.mutate(tx, mapID, pos, func(p *positionBitmap) error {
		p.clearRegion(region)
		p.state().RebuildCheckpoint = dctypes.Lba(region+1) * p.m.RegionSize

		return nil
	})
}

// records a timeout-errors path attribute for drive backing the position. clearing the
// flag on the health feed does not clear the attribute, only OnSwapComplete() or
// Reevaluate() noticing that the drive is gone does. returns true if newly set
func (c *Coordinator) SetTimeoutErrors(mapID dctypes.RebuildMapID, pos int, drive dctypes.DriveID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := attrKey{mapID, pos}
	if existing, has := c.timeoutAttrs[key]; has && existing == drive {
		return false
	}

	c.timeoutAttrs[key] = drive

	return true
}

func (c *Coordinator) HasTimeoutErrors(mapID dctypes.RebuildMapID, pos int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, has := c.timeoutAttrs[attrKey{mapID, pos}]
	return has
}

// drive was swapped out of the position: its timeout attribute no longer applies
func (c *Coordinator) OnSwapComplete(mapID dctypes.RebuildMapID, pos int, swappedOut dctypes.DriveID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := attrKey{mapID, pos}
	if c.timeoutAttrs[key] == swappedOut {
		delete(c.timeoutAttrs, key)
		c.logl.Info.Printf("%s position %d: cleared timeout attribute of swapped out %s", mapID, pos, swappedOut)
	}
}

// clears stale timeout attributes, and with a write transaction (= active controller) also
// ends rebuild logging for positions that are clean, attribute-free and usable. the passive
// controller calls this with nil tx so that its own attributes converge too.
// returns positions whose rebuild logging was cleared
func (c *Coordinator) Reevaluate(tx *dcdb.Tx, m *dctypes.RebuildMap, view func(pos int) PositionView) ([]int, error) {
	for pos := range m.Positions {
		current := view(pos)

		c.mu.Lock()
		key := attrKey{m.ID, pos}
		if drive, has := c.timeoutAttrs[key]; has && drive != current.Backing {
			delete(c.timeoutAttrs, key)
			c.logl.Info.Printf("%s position %d: dropped stale timeout attribute of %s", m.ID, pos, drive)
		}
		c.mu.Unlock()
	}

	if tx == nil {
		return nil, nil
	}

	cleared := []int{}

	for pos := range m.Positions {
		if !m.Positions[pos].RebuildLogging || c.HasTimeoutErrors(m.ID, pos) || !view(pos).Usable {
			continue
		}

		p, err := openPosition(m, pos)
		if err != nil {
			return nil, err
		}

		if !p.clean() {
			continue
		}

		m.Positions[pos].RebuildLogging = false
		m.Positions[pos].RebuildCheckpoint = dctypes.LbaInvalid
		cleared = append(cleared, pos)

		c.logl.Info.Printf("%s position %d: rebuild logging cleared", m.ID, pos)
	}

	if len(cleared) == 0 {
		return cleared, nil
	}

	return cleared, tx.SaveRebuildMap(m)
}

// position is stale: logging writes or having regions to rebuild
func (c *Coordinator) IsDegraded(m *dctypes.RebuildMap, pos int) (bool, error) {
	if m.Positions[pos].RebuildLogging {
		return true, nil
	}

	p, err := openPosition(m, pos)
	if err != nil {
		return false, err
	}

	return !p.clean(), nil
}

func (c *Coordinator) IsClean(m *dctypes.RebuildMap, pos int) (bool, error) {
	p, err := openPosition(m, pos)
	if err != nil {
		return false, err
	}

	return p.clean(), nil
}

func (c *Coordinator) DirtyRegions(m *dctypes.RebuildMap, pos int) (int, error) {
	p, err := openPosition(m, pos)
	if err != nil {
		return 0, err
	}

	return p.dirtyCount(), nil
}

// percent of regions in sync
func (c *Coordinator) Progress(m *dctypes.RebuildMap, pos int) (int, error) {
	if m.RegionCount == 0 {
		return 100, nil
	}

	dirty, err := c.DirtyRegions(m, pos)
	if err != nil {
		return 0, err
	}

	return (m.RegionCount - dirty) * 100 / m.RegionCount, nil
}

func (c *Coordinator) mutate(tx *dcdb.Tx, mapID dctypes.RebuildMapID, pos int, fn func(p *positionBitmap) error) error {
	m, err := tx.Read().RebuildMap(mapID)
	if err != nil {
		return fmt.Errorf("rebuild map %s: %w", mapID, err)
	}

	if pos < 0 || pos >= len(m.Positions) {
		return fmt.Errorf("rebuild map %s: position %d out of range", mapID, pos)
	}

	p, err := openPosition(m, pos)
	if err != nil {
		return err
	}

	if err := fn(p); err != nil {
		return err
	}

	if err := p.save(); err != nil {
		return err
	}

	return tx.SaveRebuildMap(m)
}
