package copyjob

import (
	"fmt"
	"time"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
)

// which job phases are consistent with a durable copy state
var phaseRangeByState = map[dctypes.CopyState][2]dctypes.JobPhase{
	dctypes.StateIdle:              {dctypes.PhaseCreateDestinationEdge, dctypes.PhaseCreateDestinationEdge},
	dctypes.StateSwappingIn:        {dctypes.PhaseMarkDestinationDirty, dctypes.PhaseWaitForDataCopy},
	dctypes.StateMirroring:         {dctypes.PhaseWaitForDataCopy, dctypes.PhaseWaitForDataCopy},
	dctypes.StateRebuildingPaged:   {dctypes.PhaseWaitForDataCopy, dctypes.PhaseWaitForDataCopy},
	dctypes.StateCopyingUserData:   {dctypes.PhaseWaitForDataCopy, dctypes.PhaseWaitForDataCopy},
	dctypes.StateCopyComplete:      {dctypes.PhaseWaitForDataCopy, dctypes.PhaseSetConfigModeToDestination},
	dctypes.StateSettingConfigMode: {dctypes.PhaseSetConfigModeToDestination, dctypes.PhaseClearRebuildLogging},
	dctypes.StateSwappingOutSource: {dctypes.PhaseSwapOutSource, dctypes.PhaseCommit},
}

// takes over the jobs of a raid group after startup or failover. every job continues from
// its durable state: the copy from its checkpoint, an abort from where it got to. chunks
// the previous owner had in flight are reissued
func (o *Orchestrator) Resume(rg dctypes.RaidGroupID, now time.Time) error {
	var jobs []dctypes.CopyJob
	var vds []dctypes.VirtualDrive

	if err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		if jobs, err = q.CopyJobsOfRaidGroup(rg); err != nil {
			return err
		}

		vds, err = q.VirtualDrivesOfRaidGroup(rg)
		return err
	}); err != nil {
		return err
	}

	withJob := map[dctypes.VirtualDriveID]bool{}
	for _, job := range jobs {
		withJob[job.VirtualDrive] = true
	}

	for i := range vds {
		vd := &vds[i]
		o.deps.Edges.Load(vd)

		if !withJob[vd.ID] && (vd.State != dctypes.StateIdle || vd.RequestInProgress) {
			o.repairOrphan(vd)
		}
	}

	epoch := o.deps.Role.Epoch(rg)

	for _, job := range jobs {
		if existing, has := o.jobs[job.VirtualDrive]; has {
			if existing.job.ID == job.ID {
				continue // never lost it
			}

			o.finished(existing)
		}

		release, acquired := o.gate.TryLock(string(job.VirtualDrive), job.ID)
		if !acquired {
			o.logl.Error.Printf("Resume: %s locked by another job", job.VirtualDrive)
			continue
		}

		o.machine(job.VirtualDrive).Reset()

		job.Owner = o.conf.Controller
		job.Epoch = epoch

		aj := &activeJob{job: job, release: release}
		o.jobs[job.VirtualDrive] = aj

		if err := o.resumeJob(aj, now); err != nil {
			o.logl.Error.Printf("Resume: job %s: %v", job.ID, err)
		}
	}

	o.reevaluateGroup(rg)

	return nil
}

func (o *Orchestrator) resumeJob(aj *activeJob, now time.Time) error {
	job := &aj.job

	vd, err := o.readVirtualDrive(job.VirtualDrive)
	if err != nil {
		return err
	}

	o.deps.Edges.Load(vd)

	switch {
	case jobAlreadyDone(vd, job):
		return o.dropDoneJob(aj)
	case job.Phase == dctypes.PhaseRollback,
		vd.State == dctypes.StateAbortingCopy,
		vd.State == dctypes.StateSwappingOutDestination:
		reason := job.RollbackReason
		if reason == dctypes.ReasonNone {
			reason = dctypes.ReasonInconsistentState
		}

		o.logl.Info.Printf("Resume: job %s continues rollback (%s)", job.ID, reason)

		return o.rollback(aj, reason, now)
	}

	phase := job.Phase
	if allowed, known := phaseRangeByState[vd.State]; !known {
		return o.rollback(aj, dctypes.ReasonInconsistentState, now)
	} else if phase < allowed[0] || phase > allowed[1] {
		o.logl.Error.Printf(
			"Resume: job %s in %s but %s is %s; continuing from %s",
			job.ID,
			phase,
			vd.ID,
			vd.State,
			allowed[0])
		phase = allowed[0]
	}

	o.logl.Info.Printf("Resume: job %s at %s (%s, checkpoint %d)", job.ID, phase, vd.State, vd.Checkpoint)

	if err := o.enterPhase(aj, phase, now); err != nil {
		return err
	}

	o.step(aj, now)

	return nil
}

// a virtual drive mid-copy without a job record cannot be continued. the source is
// restored as the sole path unless the destination already took over
func (o *Orchestrator) repairOrphan(vd *dctypes.VirtualDrive) {
	o.logl.Error.Printf("Resume: %s is %s without a job, restoring", vd.ID, vd.State)

	mapID := dctypes.VirtualDriveMapID(vd.ID)

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		current, err := tx.Read().VirtualDrive(vd.ID)
		if err != nil {
			return err
		}

		// in mirror mode the destination goes, in pass-thru whatever is not the data path
		src, _ := current.Mode.SourceDestination()
		if !src.Valid() {
			return fmt.Errorf("mode %s has no source", current.Mode)
		}

		stray := src.Other()
		current.Edges[stray] = dctypes.EdgeConnection{}
		current.Mode = dctypes.PassThruOn(src)

		if err := o.deps.Coordinator.ClearPosition(tx, mapID, int(stray)); err != nil {
			return err
		}

		if err := o.deps.Coordinator.ClearRebuildLogging(tx, mapID, int(stray)); err != nil {
			return err
		}

		current.State = dctypes.StateIdle
		current.RequestInProgress = false
		current.Checkpoint = dctypes.LbaInvalid
		current.MetadataCheckpoint = dctypes.LbaInvalid

		if err := tx.SaveVirtualDrive(current); err != nil {
			return err
		}

		*vd = *current

		return nil
	}); err != nil {
		o.logl.Error.Printf("repairOrphan %s: %v", vd.ID, err)
		return
	}

	o.deps.Edges.Load(vd)
}

// the peer took the group over: drop in-memory jobs without touching durable state
func (o *Orchestrator) StepDown(rg dctypes.RaidGroupID) {
	for _, id := range o.jobDrives() {
		aj := o.jobs[id]
		if aj.job.RaidGroup != rg {
			continue
		}

		o.logl.Info.Printf("StepDown: job %s handed to peer", aj.job.ID)

		o.machine(id).Reset()
		o.finished(aj)
	}

	for key := range o.rebuilds {
		if key.mapID == dctypes.RaidGroupMapID(rg) {
			delete(o.rebuilds, key)
		}
	}

	for key := range o.retries {
		if key.mapID == dctypes.RaidGroupMapID(rg) {
			delete(o.retries, key)
		}
	}
}

// state committed by the peer was applied to our store: refresh our view of it and let
// our own timeout attributes converge
func (o *Orchestrator) OnReplicated(changes []dcdb.Change) {
	touched := map[dctypes.RaidGroupID]bool{}
	for _, change := range changes {
		if change.RaidGroup != "" {
			touched[change.RaidGroup] = true
		}
	}

	for rg := range touched {
		if o.deps.Role.IsActive(rg) {
			continue // we are the writer, nothing to refresh
		}

		if err := o.loadRaidGroup(rg); err != nil {
			o.logl.Error.Printf("OnReplicated %s: %v", rg, err)
			continue
		}

		o.reevaluateGroup(rg)
	}
}
