package copyjob

import (
	"fmt"
	"time"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/edgetable"
	"github.com/google/uuid"
)

type CopyRequest struct {
	VirtualDrive dctypes.VirtualDriveID
	Kind         dctypes.JobKind
	Destination  dctypes.DriveID // required for UserCopyTo, optional otherwise
}

// what a request is validated against, read in one transaction
type requestContext struct {
	req      CopyRequest
	vd       *dctypes.VirtualDrive
	rg       *dctypes.RaidGroup
	rgMap    *dctypes.RebuildMap
	source   edgetable.Edge
	inUse    map[dctypes.DriveID]dctypes.VirtualDriveID
	required dctypes.Lba // destination must hold user data and paged metadata
}

// kind-specific preconditions on top of the common ones
var kindRules = map[dctypes.JobKind]func(rc *requestContext) error{
	dctypes.JobProactiveCopy: func(rc *requestContext) error {
		if !rc.source.EndOfLife {
			return dctypes.Reject(dctypes.ReasonProactiveCopyNotRequired, "%s has not reported end-of-life", rc.source.Backing)
		}

		return nil
	},
	dctypes.JobUserCopy: func(rc *requestContext) error {
		return nil
	},
	dctypes.JobUserCopyTo: func(rc *requestContext) error {
		if rc.req.Destination == "" {
			return dctypes.Reject(dctypes.ReasonDestinationRequired, "copy-to needs a destination drive")
		}

		return nil
	},
}

// validates and creates a job. a rejected request changes nothing and returns a
// *dctypes.RejectionError naming the reason
func (o *Orchestrator) RequestCopy(req CopyRequest, now time.Time) (*dctypes.CopyJob, error) {
	job, err := o.requestCopy(req, now)
	if err != nil {
		reason := dctypes.ReasonOf(err)
		if reason == dctypes.ReasonNone {
			reason = dctypes.ReasonInternalError
		}

		o.logl.Info.Printf("%s copy of %s denied: %v", req.Kind, req.VirtualDrive, err)

		o.notify(dctypes.Notification{
			Code:         dctypes.EventCopyDenied,
			VirtualDrive: req.VirtualDrive,
			NewLocation:  req.Destination,
			Reason:       reason,
		})

		return nil, err
	}

	return job, nil
}

func (o *Orchestrator) requestCopy(req CopyRequest, now time.Time) (*dctypes.CopyJob, error) {
	rule, knownKind := kindRules[req.Kind]
	if !knownKind {
		return nil, fmt.Errorf("unsupported job kind: %s", req.Kind)
	}

	rc, err := o.readRequestContext(req)
	if err != nil {
		return nil, err
	}

	vd := rc.vd

	if !o.deps.Role.IsActive(vd.RaidGroup) {
		return nil, dctypes.Reject(dctypes.ReasonNotActiveController, "raid group %s is driven by the peer", vd.RaidGroup)
	}

	if holder, busy := o.gate.Holder(string(vd.ID)); busy {
		return nil, dctypes.Reject(dctypes.ReasonCopyInProgress, "job %s", holder)
	}

	if vd.State != dctypes.StateIdle || vd.RequestInProgress || !vd.Mode.IsPassThru() {
		return nil, dctypes.Reject(dctypes.ReasonCopyInProgress, "%s is %s in mode %s", vd.ID, vd.State, vd.Mode)
	}

	if err := o.checkRaidGroup(rc); err != nil {
		return nil, err
	}

	if !rc.source.Connected() || rc.source.DriveFault || rc.source.EffectivePathState() == dctypes.PathBroken {
		return nil, dctypes.Reject(dctypes.ReasonSourceDriveDegraded, "source %s", rc.source.Backing)
	}

	if err := rule(rc); err != nil {
		return nil, err
	}

	destination, err := o.resolveDestination(rc)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()

	release, acquired := o.gate.TryLock(string(vd.ID), jobID)
	if !acquired {
		return nil, dctypes.Reject(dctypes.ReasonCopyInProgress, "%s", vd.ID)
	}

	job := dctypes.CopyJob{
		ID:                  jobID,
		Kind:                req.Kind,
		VirtualDrive:        vd.ID,
		RaidGroup:           vd.RaidGroup,
		Position:            vd.Position,
		Source:              rc.source.Backing,
		Destination:         destination.Drive,
		DestinationCapacity: destination.Capacity,
		SourceEdge:          rc.source.Index,
		DestinationEdge:     rc.source.Index.Other(),
		Phase:               dctypes.PhaseCreateDestinationEdge,
		PriorMode:           vd.Mode,
		PriorCheckpoint:     vd.Checkpoint,
		Created:             now,
		PhaseEntered:        now,
		Owner:               o.conf.Controller,
		Epoch:               o.deps.Role.Epoch(vd.RaidGroup),
	}
	job.ConfirmationDeadline = o.deadlineFor(job.Phase, now)

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		return tx.SaveCopyJob(&job)
	}); err != nil {
		release()
		return nil, err
	}

	o.deps.Spares.Consume(destination.Drive)

	aj := &activeJob{job: job, release: release}
	o.jobs[vd.ID] = aj

	o.logl.Info.Printf(
		"job %s: %s copy of %s: %s -> %s",
		job.ID,
		job.Kind,
		job.VirtualDrive,
		job.Source,
		job.Destination)

	o.step(aj, now)

	result := aj.job
	return &result, nil
}

func (o *Orchestrator) readRequestContext(req CopyRequest) (*requestContext, error) {
	rc := &requestContext{req: req}

	if err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		rc.vd, err = q.VirtualDrive(req.VirtualDrive)
		if err != nil {
			if err == dcdb.ErrNotFound {
				return dctypes.Reject(dctypes.ReasonUnknownVirtualDrive, "%s", req.VirtualDrive)
			}
			return err
		}

		rc.rg, err = q.RaidGroup(rc.vd.RaidGroup)
		if err != nil {
			return err
		}

		rc.rgMap, err = q.RebuildMap(dctypes.RaidGroupMapID(rc.vd.RaidGroup))
		if err != nil {
			return err
		}

		rc.inUse, err = q.DrivesInUse()
		if err != nil {
			return err
		}

		// destinations of jobs that have not swapped in yet
		jobs, err := q.CopyJobs()
		if err != nil {
			return err
		}

		for _, job := range jobs {
			rc.inUse[job.Destination] = job.VirtualDrive
		}

		return nil
	}); err != nil {
		return nil, err
	}

	src, _ := o.deps.Edges.GetSourceDestination(rc.vd.ID)
	if !src.Valid() {
		o.deps.Edges.Load(rc.vd)
		src, _ = o.deps.Edges.GetSourceDestination(rc.vd.ID)
	}

	if !src.Valid() {
		return nil, dctypes.Reject(dctypes.ReasonSourceDriveDegraded, "%s has no source edge in mode %s", rc.vd.ID, rc.vd.Mode)
	}

	rc.source = o.deps.Edges.Edge(rc.vd.ID, src)
	rc.required = rc.vd.Capacity + rc.vd.MetadataCapacity

	return rc, nil
}

// copying reads from the source only, but a group that cannot survive losing the source
// mid-copy is not touched
func (o *Orchestrator) checkRaidGroup(rc *requestContext) error {
	if rc.rg.Redundancy < 1 {
		return dctypes.Reject(dctypes.ReasonRaidGroupNotRedundant, "%s", rc.rg.ID)
	}

	degradedHere, err := o.deps.Coordinator.IsDegraded(rc.rgMap, rc.vd.Position)
	if err != nil {
		return err
	}

	if degradedHere {
		return dctypes.Reject(dctypes.ReasonRaidGroupDegraded, "%s position %d", rc.rg.ID, rc.vd.Position)
	}

	degradedOthers := 0
	for pos := range rc.rgMap.Positions {
		if pos == rc.vd.Position {
			continue
		}

		degraded, err := o.deps.Coordinator.IsDegraded(rc.rgMap, pos)
		if err != nil {
			return err
		}

		if degraded {
			degradedOthers++
		}
	}

	switch {
	case degradedOthers > rc.rg.Redundancy:
		return dctypes.Reject(dctypes.ReasonRaidGroupBroken, "%s: %d positions degraded", rc.rg.ID, degradedOthers)
	case degradedOthers > 0:
		return dctypes.Reject(dctypes.ReasonRaidGroupDegraded, "%s: %d positions degraded", rc.rg.ID, degradedOthers)
	default:
		return nil
	}
}

func (o *Orchestrator) resolveDestination(rc *requestContext) (dctypes.SpareCandidate, error) {
	var candidate dctypes.SpareCandidate

	if rc.req.Destination != "" {
		if rc.req.Destination == rc.source.Backing {
			return candidate, dctypes.Reject(dctypes.ReasonInvalidDestination, "%s is the source", rc.req.Destination)
		}

		var err error
		candidate, err = o.deps.Spares.Describe(rc.req.Destination)
		if err != nil {
			return candidate, dctypes.Reject(dctypes.ReasonInvalidDestination, "%s: %v", rc.req.Destination, err)
		}
	} else {
		var found bool
		candidate, found = o.deps.Spares.Select(rc.required)
		if !found {
			return candidate, dctypes.Reject(dctypes.ReasonNoSpareAvailable, "need %d blocks", rc.required)
		}
	}

	if owner, used := rc.inUse[candidate.Drive]; used {
		return candidate, dctypes.Reject(dctypes.ReasonDestinationInUse, "%s is used by %s", candidate.Drive, owner)
	}

	if !candidate.Healthy {
		return candidate, dctypes.Reject(dctypes.ReasonDestinationNotHealthy, "%s", candidate.Drive)
	}

	if candidate.Capacity < rc.required {
		return candidate, dctypes.Reject(
			dctypes.ReasonDestinationTooSmall,
			"%s has %d blocks, need %d",
			candidate.Drive,
			candidate.Capacity,
			rc.required)
	}

	return candidate, nil
}
