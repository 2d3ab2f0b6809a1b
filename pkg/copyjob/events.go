package copyjob

import (
	"errors"
	"fmt"
	"time"

	"github.com/function61/drivecopy/pkg/copysm"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/rebuildlog"
)

// health feed item. duplicates and stale items change nothing and are dropped
func (o *Orchestrator) HandleEdgeEvent(ev dctypes.EdgeEvent, now time.Time) {
	if !o.deps.Edges.Apply(ev) {
		return
	}

	o.logl.Debug.Printf("%s edge %d (%s): %s set=%v path=%s", ev.VirtualDrive, ev.Edge, ev.Backing, ev.Flag, ev.Set, ev.Path)

	if ev.Flag == dctypes.FlagTimeoutErrors && ev.Set {
		o.timeoutErrors(ev)
	}

	o.evaluateDirty(now)
}

func (o *Orchestrator) HandleChunkCompleted(completion copysm.ChunkCompletion, now time.Time) {
	aj, found := o.jobs[completion.VirtualDrive]
	if !found {
		o.logl.Debug.Printf("%s: chunk completion without a job", completion.VirtualDrive)
		return
	}

	progress, err := o.machine(completion.VirtualDrive).ChunkCompleted(&aj.job, completion)
	if err != nil {
		o.logl.Error.Printf("job %s: %v", aj.job.ID, err)
		return
	}

	if progress.DestError {
		o.logl.Error.Printf("job %s: write to destination %s failed: %v", aj.job.ID, aj.job.Destination, completion.Err)
		o.logRollback(aj, o.rollback(aj, dctypes.ReasonDestinationFailed, now))
		return
	}

	o.onProgress(aj, progress, now)

	o.step(aj, now)
}

func (o *Orchestrator) HandleRebuildCompleted(completion copysm.RebuildCompletion, now time.Time) {
	key := rebuildKey{completion.Map, completion.Position}
	delete(o.rebuilds, key)

	if completion.Err != nil {
		retry := o.retries[key]
		if retry.drive != completion.Drive {
			retry = rebuildRetry{drive: completion.Drive}
		}
		retry.failures++
		retry.notBefore = now.Add(retry.backoff())
		o.retries[key] = retry

		o.logl.Error.Printf(
			"rebuild %s position %d region %d: %v (failure %d, retrying in %s)",
			completion.Map,
			completion.Position,
			completion.Region,
			completion.Err,
			retry.failures,
			retry.backoff())
		return
	}

	delete(o.retries, key)

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		m, err := tx.Read().RebuildMap(completion.Map)
		if err != nil {
			return err
		}

		if !o.deps.Role.IsActive(m.RaidGroup) {
			return nil
		}

		return o.deps.Coordinator.RegionRebuilt(tx, completion.Map, completion.Position, completion.Region)
	}); err != nil {
		o.logl.Error.Printf("rebuild %s position %d: %v", completion.Map, completion.Position, err)
		return
	}

	o.dispatchRebuilds(now)
}

// periodic sweep: deadlines, retries of pending phases, lazy marking, rebuild logging
// re-evaluation and ordinary rebuild
func (o *Orchestrator) Tick(now time.Time) {
	for _, id := range o.jobDrives() {
		aj, found := o.jobs[id]
		if !found || !o.deps.Role.IsActive(aj.job.RaidGroup) {
			continue
		}

		if deadline := aj.job.ConfirmationDeadline; !deadline.IsZero() && now.After(deadline) {
			o.logl.Error.Printf("job %s: %s not confirmed by %s", aj.job.ID, aj.job.Phase, deadline.Format(time.RFC3339))
			o.logRollback(aj, o.rollback(aj, dctypes.ReasonTimeout, now))
			continue
		}

		o.evaluate(id, now)
	}

	o.evaluateDirty(now)

	groups, err := o.raidGroups()
	if err != nil {
		o.logl.Error.Printf("Tick: %v", err)
		return
	}

	for i := range groups {
		rg := &groups[i]

		if o.deps.Role.IsActive(rg.ID) {
			o.swapInHotSpares(rg, now)
			o.materializeMarks(rg)
		} else {
			o.forgetFaults(rg)
		}

		o.reevaluateGroup(rg.ID)
	}

	o.dispatchRebuilds(now)
}

// a write that the position could not take. returns true if it was logged
func (o *Orchestrator) LogWrite(id dctypes.VirtualDriveID, start dctypes.Lba, count dctypes.Lba) (bool, error) {
	vd, err := o.readVirtualDrive(id)
	if err != nil {
		return false, err
	}

	if !o.deps.Role.IsActive(vd.RaidGroup) {
		return false, fmt.Errorf("LogWrite: %s is driven by the peer", vd.RaidGroup)
	}

	logged := false
	err = o.deps.Store.Update(func(tx *dcdb.Tx) error {
		var err error
		logged, err = o.deps.Coordinator.LogWrite(tx, dctypes.RaidGroupMapID(vd.RaidGroup), vd.Position, start, count)
		return err
	})

	return logged, err
}

func (o *Orchestrator) evaluateDirty(now time.Time) {
	for _, id := range o.deps.Edges.TakeDirty() {
		o.evaluate(id, now)
	}
}

func (o *Orchestrator) evaluate(id dctypes.VirtualDriveID, now time.Time) {
	aj, found := o.jobs[id]
	if !found {
		o.evaluateIdle(id, now)
		return
	}

	if aj.job.Phase == dctypes.PhaseRollback {
		o.step(aj, now)
		return
	}

	m := o.machine(id)

	fault, reason := m.Classify(&aj.job)
	switch fault {
	case copysm.FaultDestination:
		vd, err := m.VirtualDrive()
		if err != nil {
			o.logl.Error.Printf("evaluate %s: %v", id, err)
			return
		}

		if destinationAuthoritative(vd, &aj.job) {
			// destination already is the position's drive: an ordinary position fault
			o.positionFault(vd)
			o.step(aj, now)
			return
		}

		o.logRollback(aj, o.rollback(aj, reason, now))

		// a source fault seen in the same window is now the position's problem
		o.evaluateIdle(id, now)
	case copysm.FaultSource:
		vd, err := m.VirtualDrive()
		if err != nil {
			o.logl.Error.Printf("evaluate %s: %v", id, err)
			return
		}

		switch {
		case vd.State.BeforeCopyComplete():
			if err := o.handOver(aj); err != nil && !errors.Is(err, copysm.ErrHeld) {
				o.logl.Error.Printf("job %s: hand-over: %v", aj.job.ID, err)
			}
		case vd.State == dctypes.StateIdle: // destination not even created
			o.logRollback(aj, o.rollback(aj, reason, now))
			o.evaluateIdle(id, now)
		default: // data already complete on the destination, the source is leaving anyway
			o.step(aj, now)
		}
	default:
		o.step(aj, now)
	}
}

// no job: source faults degrade the parent position, end-of-life may start a proactive copy
func (o *Orchestrator) evaluateIdle(id dctypes.VirtualDriveID, now time.Time) {
	src, _ := o.deps.Edges.GetSourceDestination(id)
	if !src.Valid() {
		return
	}

	edge := o.deps.Edges.Edge(id, src)
	if !edge.Connected() {
		return
	}

	vd, err := o.readVirtualDrive(id)
	if err != nil {
		o.logl.Error.Printf("evaluate %s: %v", id, err)
		return
	}

	if !o.deps.Role.IsActive(vd.RaidGroup) {
		return
	}

	switch {
	case edge.DriveFault || edge.EffectivePathState() == dctypes.PathBroken:
		o.positionFault(vd)
	case edge.EndOfLife && o.conf.ProactiveCopy && vd.State == dctypes.StateIdle:
		_, _ = o.RequestCopy(CopyRequest{VirtualDrive: id, Kind: dctypes.JobProactiveCopy}, now)
	}
}

// writes to the position are logged from now on
func (o *Orchestrator) positionFault(vd *dctypes.VirtualDrive) {
	mapID := dctypes.RaidGroupMapID(vd.RaidGroup)

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		m, err := tx.Read().RebuildMap(mapID)
		if err != nil {
			return err
		}

		if m.Positions[vd.Position].RebuildLogging {
			return nil
		}

		o.logl.Error.Printf("%s position %d (%s) faulted, logging writes", vd.RaidGroup, vd.Position, vd.ID)

		return o.deps.Coordinator.StartLogging(tx, mapID, vd.Position)
	}); err != nil {
		o.logl.Error.Printf("positionFault %s: %v", vd.ID, err)
	}
}

// the attribute is local to this controller; only the active one starts logging
func (o *Orchestrator) timeoutErrors(ev dctypes.EdgeEvent) {
	if src, _ := o.deps.Edges.GetSourceDestination(ev.VirtualDrive); ev.Edge != src {
		return // destination paths are judged by the copy itself
	}

	vd, err := o.readVirtualDrive(ev.VirtualDrive)
	if err != nil {
		o.logl.Error.Printf("timeoutErrors %s: %v", ev.VirtualDrive, err)
		return
	}

	mapID := dctypes.RaidGroupMapID(vd.RaidGroup)

	if o.deps.Coordinator.SetTimeoutErrors(mapID, vd.Position, ev.Backing) {
		o.logl.Error.Printf("%s position %d: timeout errors on %s", vd.RaidGroup, vd.Position, ev.Backing)
	}

	if !o.deps.Role.IsActive(vd.RaidGroup) {
		return
	}

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return o.deps.Coordinator.StartLogging(tx, mapID, vd.Position)
	}); err != nil {
		o.logl.Error.Printf("timeoutErrors %s: %v", ev.VirtualDrive, err)
	}
}

func (o *Orchestrator) materializeMarks(rg *dctypes.RaidGroup) {
	mapIDs := []dctypes.RebuildMapID{dctypes.RaidGroupMapID(rg.ID)}
	for _, member := range rg.Members {
		mapIDs = append(mapIDs, dctypes.VirtualDriveMapID(member))
	}

	for _, mapID := range mapIDs {
		if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
			_, err := o.deps.Coordinator.MaterializeMarks(tx, mapID, o.conf.MarkBudget)
			return err
		}); err != nil {
			o.logl.Error.Printf("materializeMarks %s: %v", mapID, err)
		}
	}
}

// passive controllers only converge their own timeout attributes
func (o *Orchestrator) reevaluateGroup(id dctypes.RaidGroupID) {
	mapID := dctypes.RaidGroupMapID(id)

	var rg *dctypes.RaidGroup
	if err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		rg, err = q.RaidGroup(id)
		return err
	}); err != nil {
		o.logl.Error.Printf("reevaluateGroup %s: %v", id, err)
		return
	}

	view := o.positionView(rg)

	if !o.deps.Role.IsActive(id) {
		if err := o.deps.Store.View(func(q *dcdb.Queries) error {
			m, err := q.RebuildMap(mapID)
			if err != nil {
				return err
			}

			_, err = o.deps.Coordinator.Reevaluate(nil, m, view)
			return err
		}); err != nil {
			o.logl.Error.Printf("reevaluateGroup %s: %v", id, err)
		}
		return
	}

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		m, err := tx.Read().RebuildMap(mapID)
		if err != nil {
			return err
		}

		_, err = o.deps.Coordinator.Reevaluate(tx, m, view)
		return err
	}); err != nil {
		o.logl.Error.Printf("reevaluateGroup %s: %v", id, err)
	}
}

func (o *Orchestrator) positionView(rg *dctypes.RaidGroup) func(pos int) rebuildlog.PositionView {
	return func(pos int) rebuildlog.PositionView {
		if pos >= len(rg.Members) {
			return rebuildlog.PositionView{}
		}

		member := rg.Members[pos]

		src, _ := o.deps.Edges.GetSourceDestination(member)
		if !src.Valid() {
			return rebuildlog.PositionView{}
		}

		edge := o.deps.Edges.Edge(member, src)

		return rebuildlog.PositionView{
			Backing: edge.Backing,
			Usable:  edge.Connected() && !edge.DriveFault && edge.EffectivePathState() != dctypes.PathBroken,
		}
	}
}

// one region in flight per position. positions with a running copy are left alone, as are
// positions backing off after a failed rebuild
func (o *Orchestrator) dispatchRebuilds(now time.Time) {
	groups, err := o.raidGroups()
	if err != nil {
		o.logl.Error.Printf("dispatchRebuilds: %v", err)
		return
	}

	for i := range groups {
		rg := &groups[i]
		if !o.deps.Role.IsActive(rg.ID) {
			continue
		}

		var m *dctypes.RebuildMap
		if err := o.deps.Store.View(func(q *dcdb.Queries) error {
			var err error
			m, err = q.RebuildMap(dctypes.RaidGroupMapID(rg.ID))
			return err
		}); err != nil {
			o.logl.Error.Printf("dispatchRebuilds %s: %v", rg.ID, err)
			continue
		}

		view := o.positionView(rg)

		for pos := range m.Positions {
			key := rebuildKey{m.ID, pos}
			if o.rebuilds[key] || pos >= len(rg.Members) {
				continue
			}

			if _, copying := o.jobs[rg.Members[pos]]; copying {
				continue
			}

			current := view(pos)
			if !current.Usable || o.deps.Coordinator.HasTimeoutErrors(m.ID, pos) {
				continue
			}

			if retry, has := o.retries[key]; has && retry.drive == current.Backing && now.Before(retry.notBefore) {
				continue
			}

			region, found, err := o.deps.Coordinator.NextRebuildRegion(m, pos)
			if err != nil {
				o.logl.Error.Printf("dispatchRebuilds %s: %v", m.ID, err)
				continue
			}

			if !found {
				continue
			}

			o.rebuilds[key] = true

			o.deps.Mover.RebuildRegion(copysm.RebuildRequest{
				Map:      m.ID,
				Position: pos,
				Region:   region,
				Drive:    current.Backing,
			})
		}
	}
}

func (o *Orchestrator) raidGroups() ([]dctypes.RaidGroup, error) {
	var groups []dctypes.RaidGroup
	err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		groups, err = q.RaidGroups()
		return err
	})

	return groups, err
}

func (o *Orchestrator) logRollback(aj *activeJob, err error) {
	if err != nil && !errors.Is(err, copysm.ErrHeld) {
		o.logl.Error.Printf("job %s: rollback: %v (retrying)", aj.job.ID, err)
	}
}
