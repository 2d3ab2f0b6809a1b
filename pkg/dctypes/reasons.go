package dctypes

import (
	"errors"
	"fmt"
)

// stable reason codes. external callers branch on these, so never rename
type ReasonCode string

const (
	ReasonNone                     ReasonCode = ""
	ReasonUnknownVirtualDrive      ReasonCode = "unknown_virtual_drive"
	ReasonCopyInProgress           ReasonCode = "copy_in_progress"
	ReasonRaidGroupDegraded        ReasonCode = "raid_group_degraded"
	ReasonRaidGroupBroken          ReasonCode = "raid_group_broken"
	ReasonRaidGroupNotRedundant    ReasonCode = "raid_group_not_redundant"
	ReasonSourceDriveDegraded      ReasonCode = "source_drive_degraded"
	ReasonProactiveCopyNotRequired ReasonCode = "proactive_copy_not_required"
	ReasonNoSpareAvailable         ReasonCode = "no_spare_available"
	ReasonDestinationRequired      ReasonCode = "destination_required"
	ReasonDestinationTooSmall      ReasonCode = "destination_capacity_too_small"
	ReasonDestinationNotHealthy    ReasonCode = "destination_not_healthy"
	ReasonDestinationInUse         ReasonCode = "destination_in_use"
	ReasonInvalidDestination       ReasonCode = "invalid_destination"
	ReasonNotActiveController      ReasonCode = "not_active_controller"

	// rollback / termination reasons
	ReasonDestinationFailed  ReasonCode = "destination_failed"
	ReasonDestinationRemoved ReasonCode = "destination_removed"
	ReasonSourceFailed       ReasonCode = "source_failed"
	ReasonTimeout            ReasonCode = "timeout"
	ReasonInconsistentState  ReasonCode = "inconsistent_state"
	ReasonInternalError      ReasonCode = "internal_error"
)

// copy request refused before any state change
type RejectionError struct {
	Reason ReasonCode
	Detail string
}

func Reject(reason ReasonCode, format string, args ...interface{}) *RejectionError {
	return &RejectionError{
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

func (r *RejectionError) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("copy rejected: %s", r.Reason)
	}

	return fmt.Sprintf("copy rejected: %s: %s", r.Reason, r.Detail)
}

// ReasonNone if err is not a rejection
func ReasonOf(err error) ReasonCode {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason
	}

	return ReasonNone
}

type EventCode string

const (
	EventCopyInitiated   EventCode = "copy-initiated"
	EventCopyCompleted   EventCode = "copy-completed"
	EventDriveSwappedOut EventCode = "drive-swapped-out"
	EventUnexpectedError EventCode = "unexpected-error"
	EventCopyAborted     EventCode = "copy-aborted"
	EventCopyDenied      EventCode = "copy-denied"
	EventCopyProgress    EventCode = "copy-progress"
	EventHotSpareSwapped EventCode = "hot-spare-swapped-in"
)

// event emitted for a job that ended with given reason
func EventForTermination(reason ReasonCode) EventCode {
	switch reason {
	case ReasonNone:
		return EventCopyCompleted
	case ReasonDestinationFailed, ReasonDestinationRemoved:
		return EventCopyAborted
	case ReasonSourceFailed:
		return EventDriveSwappedOut
	default:
		return EventUnexpectedError
	}
}

// "two optional location identifiers plus an event code", plus context
type Notification struct {
	Code         EventCode
	OldLocation  DriveID // "" = absent
	NewLocation  DriveID // "" = absent
	VirtualDrive VirtualDriveID
	JobID        string
	Reason       ReasonCode
	Percent      int
}

func (n Notification) String() string {
	return fmt.Sprintf("%s vd=%s old=%s new=%s reason=%s", n.Code, n.VirtualDrive, n.OldLocation, n.NewLocation, n.Reason)
}

type EdgeFlag int

const (
	FlagEndOfLife EdgeFlag = iota
	FlagDriveFault
	FlagTimeoutErrors
	FlagPathState // uses EdgeEvent.Path instead of Set
)

func (f EdgeFlag) String() string {
	switch f {
	case FlagEndOfLife:
		return "end-of-life"
	case FlagDriveFault:
		return "drive-fault"
	case FlagTimeoutErrors:
		return "timeout-errors"
	case FlagPathState:
		return "path-state"
	default:
		return fmt.Sprintf("EdgeFlag(%d)", int(f))
	}
}

// one item of the health feed. at-least-once and possibly out of order
type EdgeEvent struct {
	VirtualDrive VirtualDriveID
	Edge         EdgeIndex
	Backing      DriveID // event is dropped if the edge is no longer backed by this drive
	Flag         EdgeFlag
	Set          bool
	Path         PathState
	Seq          uint64 // per-edge sequence number. 0 = unsequenced
}
