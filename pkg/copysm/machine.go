// Copy state machine of a single virtual drive: swap-in, mirroring, chunked data copy with
// a durable checkpoint, mode flip to the destination and swap-out (or abort)
package copysm

import (
	"fmt"
	"log"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/edgetable"
	"github.com/function61/drivecopy/pkg/rebuildlog"
	"github.com/function61/gokit/logex"
)

type Deps struct {
	Store       *dcdb.Store
	Edges       *edgetable.Table
	Coordinator *rebuildlog.Coordinator
	Mover       Mover
	Observer    Observer
	ChunkSize   dctypes.Lba
}

type Fault int

const (
	FaultNone Fault = iota
	FaultDestination
	FaultSource
)

type Progress struct {
	Advanced   bool // durable state or checkpoint moved forward
	Transition bool // Entered is valid
	Entered    dctypes.CopyState
	Complete   bool // copy complete, job may leave WaitForDataCopy
	Percent    int
	DestError  bool // chunk failed on the destination side
}

type Machine struct {
	id       dctypes.VirtualDriveID
	deps     *Deps
	inflight *ChunkRequest
	token    uint64
	logl     *logex.Leveled
}

func New(id dctypes.VirtualDriveID, deps *Deps, logger *log.Logger) *Machine {
	return &Machine{
		id:   id,
		deps: deps,
		logl: logex.Levels(logger),
	}
}

func (m *Machine) ID() dctypes.VirtualDriveID {
	return m.id
}

// forget in-flight chunk. its completion (if any) will be ignored and the chunk reissued
// from the durable checkpoint
func (m *Machine) Reset() {
	m.inflight = nil
}

func (m *Machine) ChunkInFlight() bool {
	return m.inflight != nil
}

func (m *Machine) VirtualDrive() (*dctypes.VirtualDrive, error) {
	var vd *dctypes.VirtualDrive
	err := m.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		vd, err = q.VirtualDrive(m.id)
		return err
	})

	return vd, err
}

// applies the fault asymmetry: destination faults abort, source faults hand the position
// over to the destination. when both are present the destination wins
func (m *Machine) Classify(job *dctypes.CopyJob) (Fault, dctypes.ReasonCode) {
	dst := m.deps.Edges.Edge(m.id, job.DestinationEdge)
	src := m.deps.Edges.Edge(m.id, job.SourceEdge)

	if dst.Connected() && dst.Backing == job.Destination && dst.Faulted() {
		if dst.PathState == dctypes.PathBroken {
			return FaultDestination, dctypes.ReasonDestinationRemoved
		}

		return FaultDestination, dctypes.ReasonDestinationFailed
	}

	// end-of-life on the source is what proactive copy is for, never a reason to act
	if src.Connected() && (src.DriveFault || src.PathState == dctypes.PathBroken) {
		return FaultSource, dctypes.ReasonSourceFailed
	}

	return FaultNone, dctypes.ReasonNone
}

// Idle -> SwappingIn: destination edge is created but carries no data path yet
func (m *Machine) SwapIn(job *dctypes.CopyJob, destCapacity dctypes.Lba) error {
	return m.transition(dctypes.StateSwappingIn, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		switch {
		case vd.State == dctypes.StateSwappingIn && vd.Edges[job.DestinationEdge].Backing == job.Destination:
			return nil // already done
		case vd.State != dctypes.StateIdle:
			return fmt.Errorf("SwapIn: unexpected state %s", vd.State)
		case vd.Edges[job.DestinationEdge].Connected():
			return fmt.Errorf("SwapIn: edge %d already connected", job.DestinationEdge)
		}

		vd.Edges[job.DestinationEdge] = dctypes.EdgeConnection{
			Backing:  job.Destination,
			Capacity: destCapacity,
		}
		vd.RequestInProgress = true
		vd.CopyComplete = false

		return nil
	})
}

// destination position starts rebuild-logging with every region needing rebuild. the
// marking itself is materialized in the background and does not gate the copy
func (m *Machine) MarkDestinationDirty(job *dctypes.CopyJob) error {
	return m.update(func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		vdMap, err := tx.Read().RebuildMap(dctypes.VirtualDriveMapID(m.id))
		if err != nil {
			return err
		}

		if vdMap.Positions[job.DestinationEdge].RebuildLogging {
			return nil // already marked
		}

		return m.deps.Coordinator.EdgeConnected(tx, dctypes.VirtualDriveMapID(m.id), int(job.DestinationEdge), false)
	})
}

// moves the copy forward by at most one state transition or one chunk issue
func (m *Machine) Advance(job *dctypes.CopyJob) (Progress, error) {
	vd, err := m.VirtualDrive()
	if err != nil {
		return Progress{}, err
	}

	switch vd.State {
	case dctypes.StateSwappingIn:
		dst := m.deps.Edges.Edge(m.id, job.DestinationEdge)
		if dst.EffectivePathState() != dctypes.PathEnabled {
			return Progress{}, nil // source stays the sole data path until destination is ready
		}

		return m.progressTo(dctypes.StateMirroring, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
			vdMap, err := tx.Read().RebuildMap(dctypes.VirtualDriveMapID(m.id))
			if err != nil {
				return err
			}

			if !vdMap.Positions[job.DestinationEdge].RebuildLogging {
				return fmt.Errorf("Advance: destination of %s not marked dirty before mirroring", m.id)
			}

			vd.Mode = dctypes.MirrorFrom(job.SourceEdge)
			vd.Checkpoint = 0
			vd.MetadataCheckpoint = 0

			return nil
		})
	case dctypes.StateMirroring:
		return m.progressTo(dctypes.StateRebuildingPaged, nil)
	case dctypes.StateRebuildingPaged:
		if vd.MetadataCheckpoint >= vd.MetadataCapacity {
			return m.progressTo(dctypes.StateCopyingUserData, nil)
		}

		m.issueChunk(vd, job, vd.MetadataCheckpoint, vd.MetadataCapacity, true)

		return Progress{Percent: vd.PercentCopied()}, nil
	case dctypes.StateCopyingUserData:
		if vd.Checkpoint >= vd.Capacity {
			// copy_complete and the checkpoint end marker become visible in the same write
			progress, err := m.progressTo(dctypes.StateCopyComplete, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
				vd.CopyComplete = true
				vd.Checkpoint = dctypes.LbaInvalid
				vd.MetadataCheckpoint = dctypes.LbaInvalid
				return nil
			})
			progress.Complete = progress.Advanced
			return progress, err
		}

		m.issueChunk(vd, job, vd.Checkpoint, vd.Capacity, false)

		return Progress{Percent: vd.PercentCopied()}, nil
	case dctypes.StateCopyComplete:
		return Progress{Complete: true, Percent: 100}, nil
	default:
		return Progress{}, fmt.Errorf("Advance: %s in unexpected state %s", m.id, vd.State)
	}
}

func (m *Machine) issueChunk(vd *dctypes.VirtualDrive, job *dctypes.CopyJob, checkpoint dctypes.Lba, end dctypes.Lba, metadata bool) {
	if m.inflight != nil {
		return
	}

	count := m.deps.ChunkSize
	if remaining := end - checkpoint; remaining < count {
		count = remaining
	}

	start := checkpoint
	if metadata { // paged metadata lives after the user data area
		start += vd.Capacity
	}

	m.token++
	m.inflight = &ChunkRequest{
		VirtualDrive: m.id,
		Token:        m.token,
		From:         job.Source,
		To:           job.Destination,
		Start:        start,
		Count:        count,
		Metadata:     metadata,
	}

	m.logl.Debug.Printf("%s: copy chunk %d+%d (metadata=%v)", m.id, start, count, metadata)

	m.deps.Mover.CopyChunk(*m.inflight)
}

// chunk done: checkpoint is durably advanced before the data counts as copied
func (m *Machine) ChunkCompleted(job *dctypes.CopyJob, completion ChunkCompletion) (Progress, error) {
	if m.inflight == nil || completion.Token != m.inflight.Token {
		return Progress{}, nil // stale completion, e.g. from before a failover
	}

	chunk := *m.inflight
	m.inflight = nil

	if completion.Err != nil {
		if completion.FailedDrive == job.Destination {
			return Progress{DestError: true}, nil
		}

		// source read errors are retried by reissuing the chunk. the job's deadline bounds this
		m.logl.Error.Printf("%s: chunk %d+%d: %v", m.id, chunk.Start, chunk.Count, completion.Err)
		return Progress{}, nil
	}

	switch m.deps.Observer.Observe(PointCheckpoint, m.id) {
	case Hold:
		return Progress{}, nil
	case FailWrite:
		return Progress{}, fmt.Errorf("%s checkpoint: %w", m.id, ErrWriteFailed)
	}

	var percent int
	err := m.update(func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		if chunk.Metadata {
			vd.MetadataCheckpoint = chunk.Start - vd.Capacity + chunk.Count
			percent = vd.PercentCopied()
			return nil
		}

		if chunk.Start != vd.Checkpoint {
			return fmt.Errorf("ChunkCompleted: chunk %d does not continue checkpoint %d", chunk.Start, vd.Checkpoint)
		}

		vd.Checkpoint = chunk.Start + chunk.Count
		percent = vd.PercentCopied()

		return m.deps.Coordinator.ClearBelow(
			tx,
			dctypes.VirtualDriveMapID(m.id),
			int(job.DestinationEdge),
			vd.Checkpoint,
			vd.Capacity)
	})
	if err != nil {
		return Progress{}, err
	}

	return Progress{Advanced: true, Percent: percent}, nil
}

// CopyComplete -> SettingConfigMode. marking the destination clean and flipping the mode
// to pass-thru on the destination happen in one write, so the coordinator never sees the
// position mirrored and clean at the same time
func (m *Machine) SetConfigModeToDestination(job *dctypes.CopyJob) error {
	return m.transition(dctypes.StateSettingConfigMode, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		if vd.Mode == dctypes.PassThruOn(job.DestinationEdge) {
			return nil
		}

		if vd.State != dctypes.StateCopyComplete || !vd.CopyComplete {
			return fmt.Errorf("SetConfigModeToDestination: copy not complete (state %s)", vd.State)
		}

		vd.Mode = dctypes.PassThruOn(job.DestinationEdge)

		return m.deps.Coordinator.ClearPosition(tx, dctypes.VirtualDriveMapID(m.id), int(job.DestinationEdge))
	})
}

func (m *Machine) ClearRebuildLogging(job *dctypes.CopyJob) error {
	return m.update(func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		mapID := dctypes.VirtualDriveMapID(m.id)

		if err := m.deps.Coordinator.ClearRebuildLogging(tx, mapID, int(job.DestinationEdge)); err != nil {
			return err
		}

		// source position is leaving the drive
		if err := m.deps.Coordinator.ClearPosition(tx, mapID, int(job.SourceEdge)); err != nil {
			return err
		}

		return m.deps.Coordinator.ClearRebuildLogging(tx, mapID, int(job.SourceEdge))
	})
}

// returns the drive that was swapped out ("" if it already was)
func (m *Machine) SwapOutSource(job *dctypes.CopyJob) (dctypes.DriveID, error) {
	swappedOut := dctypes.DriveID("")

	err := m.transition(dctypes.StateSwappingOutSource, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		vdMap, err := tx.Read().RebuildMap(dctypes.VirtualDriveMapID(m.id))
		if err != nil {
			return err
		}

		clean, err := m.deps.Coordinator.IsClean(vdMap, int(job.DestinationEdge))
		if err != nil {
			return err
		}

		if !clean || vdMap.Positions[job.DestinationEdge].RebuildLogging || !vd.CopyComplete {
			return fmt.Errorf("SwapOutSource: destination of %s not authoritative yet", m.id)
		}

		if vd.Edges[job.SourceEdge].Backing == job.Source {
			swappedOut = job.Source
			vd.Edges[job.SourceEdge] = dctypes.EdgeConnection{}
		}

		return nil
	})

	return swappedOut, err
}

// -> Idle after a completed copy. copy_complete stays set until the next copy starts
func (m *Machine) Finish(job *dctypes.CopyJob) error {
	return m.transition(dctypes.StateIdle, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		vd.RequestInProgress = false
		vd.Checkpoint = dctypes.LbaInvalid
		vd.MetadataCheckpoint = dctypes.LbaInvalid
		return nil
	})
}

// stops the copy. the durable state makes a restarted controller continue the abort
func (m *Machine) BeginAbort() error {
	m.inflight = nil

	return m.transition(dctypes.StateAbortingCopy, nil)
}

// AbortingCopy -> SwappingOutDestination -> Idle: destination edge torn down, source is the
// sole path again and checkpoint/mode are what they were before the job
func (m *Machine) SwapOutDestination(job *dctypes.CopyJob) error {
	if m.deps.Observer.Observe(PointState(dctypes.StateSwappingOutDestination), m.id) == FailWrite {
		return fmt.Errorf("%s SwapOutDestination: %w", m.id, ErrWriteFailed)
	}

	return m.transition(dctypes.StateIdle, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		mapID := dctypes.VirtualDriveMapID(m.id)

		if vd.Edges[job.DestinationEdge].Backing == job.Destination {
			vd.Edges[job.DestinationEdge] = dctypes.EdgeConnection{}
		}

		vd.Mode = job.PriorMode
		vd.Checkpoint = job.PriorCheckpoint
		vd.MetadataCheckpoint = dctypes.LbaInvalid
		vd.RequestInProgress = false
		vd.CopyComplete = false

		// nothing may remain marked against a position that no longer exists
		if err := m.deps.Coordinator.ClearPosition(tx, mapID, int(job.DestinationEdge)); err != nil {
			return err
		}

		return m.deps.Coordinator.ClearRebuildLogging(tx, mapID, int(job.DestinationEdge))
	})
}

// source failed mid-copy: the destination is kept as the sole path and the parent group
// rebuilds what the copy had not reached yet. returns the swapped out source
func (m *Machine) HandOverToDestination(job *dctypes.CopyJob) (dctypes.DriveID, error) {
	m.inflight = nil

	swappedOut := dctypes.DriveID("")

	err := m.transition(dctypes.StateIdle, func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		copiedUpTo := dctypes.Lba(0)
		if vd.State == dctypes.StateCopyingUserData {
			copiedUpTo = vd.Checkpoint
		}

		if vd.Edges[job.SourceEdge].Backing == job.Source {
			swappedOut = job.Source
			vd.Edges[job.SourceEdge] = dctypes.EdgeConnection{}
		}

		vd.Mode = dctypes.PassThruOn(job.DestinationEdge)
		vd.Checkpoint = dctypes.LbaInvalid
		vd.MetadataCheckpoint = dctypes.LbaInvalid
		vd.RequestInProgress = false
		vd.CopyComplete = false

		mapID := dctypes.VirtualDriveMapID(m.id)
		for _, idx := range []dctypes.EdgeIndex{job.SourceEdge, job.DestinationEdge} {
			if err := m.deps.Coordinator.ClearPosition(tx, mapID, int(idx)); err != nil {
				return err
			}

			if err := m.deps.Coordinator.ClearRebuildLogging(tx, mapID, int(idx)); err != nil {
				return err
			}
		}

		return m.deps.Coordinator.MarkFrom(tx, dctypes.RaidGroupMapID(vd.RaidGroup), vd.Position, copiedUpTo)
	})

	return swappedOut, err
}

func (m *Machine) progressTo(state dctypes.CopyState, fn func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error) (Progress, error) {
	switch m.deps.Observer.Observe(PointState(state), m.id) {
	case Hold:
		return Progress{}, nil
	case FailWrite:
		return Progress{}, fmt.Errorf("%s -> %s: %w", m.id, state, ErrWriteFailed)
	}

	var percent int
	if err := m.update(func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error {
		if fn != nil {
			if err := fn(tx, vd); err != nil {
				return err
			}
		}

		vd.State = state
		percent = vd.PercentCopied()

		return nil
	}); err != nil {
		return Progress{}, err
	}

	m.logl.Info.Printf("%s: entered %s", m.id, state)

	return Progress{Advanced: true, Transition: true, Entered: state, Percent: percent}, nil
}

// like progressTo() but for steps driven by the job orchestrator. Hold is reported as ErrHeld
func (m *Machine) transition(state dctypes.CopyState, fn func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error) error {
	progress, err := m.progressTo(state, fn)
	if err != nil {
		return err
	}

	if !progress.Advanced {
		return ErrHeld
	}

	return nil
}

// read-modify-write of the virtual drive. the edge table follows the committed record
func (m *Machine) update(fn func(tx *dcdb.Tx, vd *dctypes.VirtualDrive) error) error {
	var committed dctypes.VirtualDrive

	if err := m.deps.Store.Update(func(tx *dcdb.Tx) error {
		vd, err := tx.Read().VirtualDrive(m.id)
		if err != nil {
			return err
		}

		if err := fn(tx, vd); err != nil {
			return err
		}

		committed = *vd

		return tx.SaveVirtualDrive(&committed)
	}); err != nil {
		return err
	}

	m.deps.Edges.Load(&committed)

	return nil
}
