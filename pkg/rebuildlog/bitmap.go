package rebuildlog

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/function61/drivecopy/pkg/dctypes"
)

// needs-rebuild view of one position. a region is dirty if its bit is set, or if a
// mark-all is still being materialized and the region is at or above the cursor
type positionBitmap struct {
	m    *dctypes.RebuildMap
	pos  int
	bits *bitset.BitSet
}

func openPosition(m *dctypes.RebuildMap, pos int) (*positionBitmap, error) {
	bits := bitset.New(uint(m.RegionCount))

	if serialized := m.Positions[pos].NeedsRebuild; len(serialized) > 0 {
		if err := bits.UnmarshalBinary(serialized); err != nil {
			return nil, err
		}
	}

	return &positionBitmap{
		m:    m,
		pos:  pos,
		bits: bits,
	}, nil
}

func (p *positionBitmap) state() *dctypes.PositionRebuild {
	return &p.m.Positions[p.pos]
}

func (p *positionBitmap) save() error {
	if p.bits.None() {
		p.state().NeedsRebuild = nil
		return nil
	}

	serialized, err := p.bits.MarshalBinary()
	if err != nil {
		return err
	}

	p.state().NeedsRebuild = serialized

	return nil
}

func (p *positionBitmap) dirty(region int) bool {
	st := p.state()
	if st.MarkPending && region >= st.MarkCursor {
		return true
	}

	return p.bits.Test(uint(region))
}

func (p *positionBitmap) clean() bool {
	st := p.state()
	return !(st.MarkPending && st.MarkCursor < p.m.RegionCount) && p.bits.None()
}

func (p *positionBitmap) dirtyCount() int {
	count := 0
	for region := 0; region < p.m.RegionCount; region++ {
		if p.dirty(region) {
			count++
		}
	}

	return count
}

// lowest dirty region
func (p *positionBitmap) firstDirty() (int, bool) {
	st := p.state()

	first, found := p.bits.NextSet(0)
	if st.MarkPending && st.MarkCursor < p.m.RegionCount && (!found || int(first) > st.MarkCursor) {
		return st.MarkCursor, true
	}

	if !found || int(first) >= p.m.RegionCount {
		return 0, false
	}

	return int(first), true
}

func (p *positionBitmap) markAllLazily() {
	st := p.state()
	st.MarkPending = true
	st.MarkCursor = 0
}

// turns up to budget regions of a pending mark-all into real bits. returns true when done
func (p *positionBitmap) materialize(budget int) bool {
	st := p.state()
	if !st.MarkPending {
		return true
	}

	for ; budget > 0 && st.MarkCursor < p.m.RegionCount; budget-- {
		p.bits.Set(uint(st.MarkCursor))
		st.MarkCursor++
	}

	if st.MarkCursor >= p.m.RegionCount {
		st.MarkPending = false
		st.MarkCursor = 0
		return true
	}

	return false
}

// regions [0, upTo) are in sync
func (p *positionBitmap) clearBelow(upTo int) {
	if upTo > p.m.RegionCount {
		upTo = p.m.RegionCount
	}

	for region := 0; region < upTo; region++ {
		p.bits.Clear(uint(region))
	}

	st := p.state()
	if st.MarkPending && st.MarkCursor < upTo {
		st.MarkCursor = upTo
	}

	if st.MarkPending && st.MarkCursor >= p.m.RegionCount {
		st.MarkPending = false
		st.MarkCursor = 0
	}
}

func (p *positionBitmap) clearAll() {
	p.bits.ClearAll()

	st := p.state()
	st.MarkPending = false
	st.MarkCursor = 0
}

func (p *positionBitmap) clearRegion(region int) {
	p.bits.Clear(uint(region))

	st := p.state()
	if st.MarkPending && st.MarkCursor == region {
		st.MarkCursor++
		if st.MarkCursor >= p.m.RegionCount {
			st.MarkPending = false
			st.MarkCursor = 0
		}
	}
}

func (p *positionBitmap) markRange(from int, to int) {
	if to > p.m.RegionCount {
		to = p.m.RegionCount
	}

	for region := from; region < to; region++ {
		p.bits.Set(uint(region))
	}
}
