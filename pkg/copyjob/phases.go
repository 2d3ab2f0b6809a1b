package copyjob

import (
	"errors"
	"fmt"
	"time"

	"github.com/function61/drivecopy/pkg/copysm"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
)

// upper bound of phases run back-to-back within one evaluation
const maxStepsPerEvaluation = 16

// runs phases as far as they go without waiting for something external. a phase that
// fails stays pending and is retried on the next evaluation; its deadline bounds that
func (o *Orchestrator) step(aj *activeJob, now time.Time) {
	for i := 0; i < maxStepsPerEvaluation; i++ {
		if o.jobs[aj.job.VirtualDrive] != aj {
			return // finished
		}

		more, err := o.runPhase(aj, now)
		if err != nil {
			if !errors.Is(err, copysm.ErrHeld) {
				o.logl.Error.Printf("job %s: %s: %v", aj.job.ID, aj.job.Phase, err)
			}
			return
		}

		if !more {
			return
		}
	}
}

// returns true if the next phase may be run right away
func (o *Orchestrator) runPhase(aj *activeJob, now time.Time) (bool, error) {
	job := &aj.job
	m := o.machine(job.VirtualDrive)

	switch o.deps.Observer.Observe(copysm.PointPhase(job.Phase), job.VirtualDrive) {
	case copysm.Hold:
		return false, copysm.ErrHeld
	case copysm.FailWrite:
		return false, fmt.Errorf("%s: %w", job.Phase, copysm.ErrWriteFailed)
	}

	switch job.Phase {
	case dctypes.PhaseCreateDestinationEdge:
		if err := m.SwapIn(job, job.DestinationCapacity); err != nil {
			return false, err
		}

		return true, o.enterPhase(aj, dctypes.PhaseMarkDestinationDirty, now)
	case dctypes.PhaseMarkDestinationDirty:
		if err := m.MarkDestinationDirty(job); err != nil {
			return false, err
		}

		return true, o.enterPhase(aj, dctypes.PhaseWaitForDataCopy, now)
	case dctypes.PhaseWaitForDataCopy:
		progress, err := m.Advance(job)
		if err != nil {
			return false, err
		}

		o.onProgress(aj, progress, now)

		if progress.Complete {
			return true, o.enterPhase(aj, dctypes.PhaseSetConfigModeToDestination, now)
		}

		return progress.Transition, nil
	case dctypes.PhaseSetConfigModeToDestination:
		if err := m.SetConfigModeToDestination(job); err != nil {
			return false, err
		}

		return true, o.enterPhase(aj, dctypes.PhaseClearRebuildLogging, now)
	case dctypes.PhaseClearRebuildLogging:
		if err := m.ClearRebuildLogging(job); err != nil {
			return false, err
		}

		return true, o.enterPhase(aj, dctypes.PhaseSwapOutSource, now)
	case dctypes.PhaseSwapOutSource:
		if _, err := m.SwapOutSource(job); err != nil {
			return false, err
		}

		// reported also when resuming after the swap-out already committed
		o.sourceSwappedOut(job, dctypes.ReasonNone)

		return true, o.enterPhase(aj, dctypes.PhaseCommit, now)
	case dctypes.PhaseCommit:
		return false, o.commit(aj)
	case dctypes.PhaseRollback:
		return false, o.rollback(aj, job.RollbackReason, now)
	default:
		return false, fmt.Errorf("unknown phase %s", job.Phase)
	}
}

// durably records the job's new phase
func (o *Orchestrator) enterPhase(aj *activeJob, phase dctypes.JobPhase, now time.Time) error {
	job := aj.job
	job.Phase = phase
	job.PhaseEntered = now
	job.ConfirmationDeadline = o.deadlineFor(phase, now)

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return tx.SaveCopyJob(&job)
	}); err != nil {
		return err
	}

	aj.job = job

	o.logl.Debug.Printf("job %s: entered %s", job.ID, phase)

	return nil
}

func (o *Orchestrator) onProgress(aj *activeJob, progress copysm.Progress, now time.Time) {
	job := &aj.job

	if progress.Advanced && job.Phase == dctypes.PhaseWaitForDataCopy {
		job.ConfirmationDeadline = o.deadlineFor(job.Phase, now)
	}

	if progress.Transition && progress.Entered == dctypes.StateMirroring {
		o.notify(dctypes.Notification{
			Code:         dctypes.EventCopyInitiated,
			OldLocation:  job.Source,
			NewLocation:  job.Destination,
			VirtualDrive: job.VirtualDrive,
			JobID:        job.ID,
		})
	}

	if decile := progress.Percent / 10 * 10; decile > aj.reportedPercent && decile < 100 {
		aj.reportedPercent = decile

		o.notify(dctypes.Notification{
			Code:         dctypes.EventCopyProgress,
			OldLocation:  job.Source,
			NewLocation:  job.Destination,
			VirtualDrive: job.VirtualDrive,
			JobID:        job.ID,
			Percent:      decile,
		})
	}
}

func (o *Orchestrator) commit(aj *activeJob) error {
	job := &aj.job

	if err := o.machine(job.VirtualDrive).Finish(job); err != nil {
		return err
	}

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return tx.DeleteCopyJob(job)
	}); err != nil {
		return err
	}

	o.finished(aj)

	o.notify(dctypes.Notification{
		Code:         dctypes.EventCopyCompleted,
		OldLocation:  job.Source,
		NewLocation:  job.Destination,
		VirtualDrive: job.VirtualDrive,
		JobID:        job.ID,
		Percent:      100,
	})

	return nil
}

// the source no longer backs the position: its timeout attribute on the parent goes with it
func (o *Orchestrator) sourceSwappedOut(job *dctypes.CopyJob, reason dctypes.ReasonCode) {
	o.deps.Coordinator.OnSwapComplete(dctypes.RaidGroupMapID(job.RaidGroup), job.Position, job.Source)

	o.notify(dctypes.Notification{
		Code:         dctypes.EventDriveSwappedOut,
		OldLocation:  job.Source,
		NewLocation:  job.Destination,
		VirtualDrive: job.VirtualDrive,
		JobID:        job.ID,
		Reason:       reason,
	})

	o.reevaluateGroup(job.RaidGroup)
}

func (o *Orchestrator) finished(aj *activeJob) {
	if o.jobs[aj.job.VirtualDrive] == aj {
		delete(o.jobs, aj.job.VirtualDrive)
	}

	aj.release()
}

// leaves the virtual drive as if the job never ran, unless the destination already is
// authoritative in which case finishing the swap is the only consistent outcome. decisions
// are made from durable state, never from the phase the job thought it was in
func (o *Orchestrator) rollback(aj *activeJob, reason dctypes.ReasonCode, now time.Time) error {
	job := &aj.job
	m := o.machine(job.VirtualDrive)
	m.Reset()

	if job.Phase != dctypes.PhaseRollback {
		o.logl.Error.Printf("job %s: rolling back from %s: %s", job.ID, job.Phase, reason)

		aj.job.RollbackReason = reason
		if err := o.enterPhase(aj, dctypes.PhaseRollback, now); err != nil {
			// virtual drive state alone is enough to continue the rollback after a restart
			o.logl.Error.Printf("job %s: persisting rollback: %v", job.ID, err)
			aj.job.Phase = dctypes.PhaseRollback
		}
	}

	vd, err := m.VirtualDrive()
	if err != nil {
		return err
	}

	if jobAlreadyDone(vd, job) {
		return o.dropDoneJob(aj)
	}

	if destinationAuthoritative(vd, job) {
		return o.rollForward(aj, reason)
	}

	switch vd.State {
	case dctypes.StateIdle, dctypes.StateAbortingCopy, dctypes.StateSwappingOutDestination:
	default:
		if err := m.BeginAbort(); err != nil {
			return err
		}
	}

	if err := m.SwapOutDestination(job); err != nil {
		return err
	}

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return tx.DeleteCopyJob(job)
	}); err != nil {
		return err
	}

	o.finished(aj)

	if reason != dctypes.ReasonDestinationFailed && reason != dctypes.ReasonDestinationRemoved {
		o.deps.Spares.Release(job.Destination)
	}

	code := dctypes.EventForTermination(reason)
	if code == dctypes.EventDriveSwappedOut { // nothing was swapped out
		code = dctypes.EventCopyAborted
	}

	o.notify(dctypes.Notification{
		Code:         code,
		OldLocation:  job.Source,
		NewLocation:  job.Destination,
		VirtualDrive: job.VirtualDrive,
		JobID:        job.ID,
		Reason:       reason,
	})

	return nil
}

func (o *Orchestrator) rollForward(aj *activeJob, reason dctypes.ReasonCode) error {
	job := &aj.job
	m := o.machine(job.VirtualDrive)

	o.logl.Info.Printf("job %s: destination already authoritative, completing the swap", job.ID)

	if err := m.ClearRebuildLogging(job); err != nil {
		return err
	}

	swappedOut, err := m.SwapOutSource(job)
	if err != nil {
		return err
	}

	if err := m.Finish(job); err != nil {
		return err
	}

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return tx.DeleteCopyJob(job)
	}); err != nil {
		return err
	}

	o.finished(aj)

	// "" = the SwapOutSource phase already did it, and reported it
	if swappedOut != "" {
		o.sourceSwappedOut(job, reason)
	}

	if code := dctypes.EventForTermination(reason); code == dctypes.EventUnexpectedError {
		o.notify(dctypes.Notification{
			Code:         code,
			OldLocation:  job.Source,
			NewLocation:  job.Destination,
			VirtualDrive: job.VirtualDrive,
			JobID:        job.ID,
			Reason:       reason,
		})
	}

	return nil
}

// source died before the copy completed: the destination stays as the sole path and the
// parent group rebuilds whatever the copy had not reached
func (o *Orchestrator) handOver(aj *activeJob) error {
	job := &aj.job

	o.logl.Error.Printf("job %s: source %s failed, handing position over to %s", job.ID, job.Source, job.Destination)

	if _, err := o.machine(job.VirtualDrive).HandOverToDestination(job); err != nil {
		return err
	}

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return tx.DeleteCopyJob(job)
	}); err != nil {
		return err
	}

	o.finished(aj)

	o.sourceSwappedOut(job, dctypes.ReasonSourceFailed)

	return nil
}

func (o *Orchestrator) dropDoneJob(aj *activeJob) error {
	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return tx.DeleteCopyJob(&aj.job)
	}); err != nil {
		return err
	}

	o.logl.Info.Printf("job %s: already done, dropped", aj.job.ID)

	o.finished(aj)

	return nil
}

func destinationAuthoritative(vd *dctypes.VirtualDrive, job *dctypes.CopyJob) bool {
	return vd.Mode == dctypes.PassThruOn(job.DestinationEdge) &&
		vd.CopyComplete &&
		vd.Edges[job.DestinationEdge].Backing == job.Destination
}

// copy finished (or handed over) but the job record outlived it
func jobAlreadyDone(vd *dctypes.VirtualDrive, job *dctypes.CopyJob) bool {
	return vd.State == dctypes.StateIdle &&
		vd.Mode == dctypes.PassThruOn(job.DestinationEdge) &&
		vd.Edges[job.DestinationEdge].Backing == job.Destination &&
		!vd.Edges[job.SourceEdge].Connected()
}
