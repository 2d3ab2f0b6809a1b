package dcserver

import (
	"fmt"
	"time"

	"github.com/function61/drivecopy/pkg/copyjob"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/scheduler"
)

type CopyRequestInput struct {
	VirtualDrive string `json:"virtual_drive"`
	Kind         string `json:"kind"` // user | user-to | proactive
	Destination  string `json:"destination,omitempty"`
}

type RejectionOutput struct {
	Reason dctypes.ReasonCode `json:"reason"`
	Detail string             `json:"detail"`
}

type EdgeEventInput struct {
	VirtualDrive string `json:"virtual_drive"`
	Edge         int    `json:"edge"`
	Backing      string `json:"backing"`
	Flag         string `json:"flag"` // end-of-life | drive-fault | timeout-errors | path-state
	Set          bool   `json:"set"`
	Path         string `json:"path,omitempty"` // for path-state: Invalid | Disabled | Enabled | Broken
	Seq          uint64 `json:"seq,omitempty"`
}

type LogWriteInput struct {
	Start uint64 `json:"start"`
	Count uint64 `json:"count"`
}

type LogWriteOutput struct {
	Logged bool `json:"logged"`
}

type SparingConfigInput struct {
	OperationTimeoutSeconds *int  `json:"operation_timeout_seconds,omitempty"`
	ConfirmationEnabled     *bool `json:"confirmation_enabled,omitempty"`
}

type SparingConfigOutput struct {
	OperationTimeoutSeconds int  `json:"operation_timeout_seconds"`
	ConfirmationEnabled     bool `json:"confirmation_enabled"`
}

type SpareHealthInput struct {
	Healthy bool `json:"healthy"`
}

type JobOutput struct {
	ID                   string     `json:"id"`
	Kind                 string     `json:"kind"`
	VirtualDrive         string     `json:"virtual_drive"`
	Source               string     `json:"source"`
	Destination          string     `json:"destination"`
	Phase                string     `json:"phase"`
	Created              time.Time  `json:"created"`
	ConfirmationDeadline *time.Time `json:"confirmation_deadline,omitempty"`
	Owner                string     `json:"owner"`
	RollbackReason       string     `json:"rollback_reason,omitempty"`
}

type VirtualDriveOutput struct {
	ID             string       `json:"id"`
	RaidGroup      string       `json:"raid_group"`
	Position       int          `json:"position"`
	Mode           string       `json:"mode"`
	State          string       `json:"state"`
	Source         string       `json:"source"`
	Capacity       uint64       `json:"capacity"`
	CopyComplete   bool         `json:"copy_complete"`
	Percent        int          `json:"percent"`
	Active         bool         `json:"active"`
	ParentDegraded bool         `json:"parent_degraded"`
	ParentProgress int          `json:"parent_progress"`
	TimeoutErrors  bool         `json:"timeout_errors"`
	Edges          []EdgeOutput `json:"edges"`
	Job            *JobOutput   `json:"job,omitempty"`
}

type EdgeOutput struct {
	Index         int    `json:"index"`
	Backing       string `json:"backing,omitempty"`
	Capacity      uint64 `json:"capacity"`
	PathState     string `json:"path_state"`
	EndOfLife     bool   `json:"end_of_life"`
	DriveFault    bool   `json:"drive_fault"`
	TimeoutErrors bool   `json:"timeout_errors"`
}

type OwnerOutput struct {
	RaidGroup string `json:"raid_group"`
	Owner     string `json:"owner"`
	Epoch     uint64 `json:"epoch"`
}

type SpareOutput struct {
	Drive    string `json:"drive"`
	Capacity uint64 `json:"capacity"`
	Healthy  bool   `json:"healthy"`
	Used     bool   `json:"used"`
}

type NotificationOutput struct {
	At           time.Time `json:"at"`
	Code         string    `json:"code"`
	VirtualDrive string    `json:"virtual_drive,omitempty"`
	OldLocation  string    `json:"old_location,omitempty"`
	NewLocation  string    `json:"new_location,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Percent      int       `json:"percent,omitempty"`
}

type SweepOutput struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Schedule     string     `json:"schedule"`
	NextRun      time.Time  `json:"next_run"`
	Runs         int        `json:"runs"`
	LastStarted  *time.Time `json:"last_started,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
}

type StatusOutput struct {
	Controller    string               `json:"controller"`
	BlockSize     int                  `json:"block_size"`
	VirtualDrives []VirtualDriveOutput `json:"virtual_drives"`
	Owners        []OwnerOutput        `json:"owners"`
	Spares        []SpareOutput        `json:"spares"`
}

func (e EdgeEventInput) toEvent() (dctypes.EdgeEvent, error) {
	edge := dctypes.EdgeIndex(e.Edge)
	if !edge.Valid() {
		return dctypes.EdgeEvent{}, fmt.Errorf("invalid edge: %d", e.Edge)
	}

	flag, err := edgeFlagFromString(e.Flag)
	if err != nil {
		return dctypes.EdgeEvent{}, err
	}

	ev := dctypes.EdgeEvent{
		VirtualDrive: dctypes.VirtualDriveID(e.VirtualDrive),
		Edge:         edge,
		Backing:      dctypes.DriveID(e.Backing),
		Flag:         flag,
		Set:          e.Set,
		Seq:          e.Seq,
	}

	if flag == dctypes.FlagPathState {
		if ev.Path, err = pathStateFromString(e.Path); err != nil {
			return dctypes.EdgeEvent{}, err
		}
	}

	return ev, nil
}

func edgeFlagFromString(flag string) (dctypes.EdgeFlag, error) {
	for _, candidate := range []dctypes.EdgeFlag{
		dctypes.FlagEndOfLife,
		dctypes.FlagDriveFault,
		dctypes.FlagTimeoutErrors,
		dctypes.FlagPathState,
	} {
		if candidate.String() == flag {
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("unknown flag: %s", flag)
}

func pathStateFromString(path string) (dctypes.PathState, error) {
	for _, candidate := range []dctypes.PathState{
		dctypes.PathInvalid,
		dctypes.PathDisabled,
		dctypes.PathEnabled,
		dctypes.PathBroken,
	} {
		if candidate.String() == path {
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("unknown path state: %s", path)
}

func jobToOutput(job *dctypes.CopyJob) *JobOutput {
	out := &JobOutput{
		ID:             job.ID,
		Kind:           job.Kind.String(),
		VirtualDrive:   string(job.VirtualDrive),
		Source:         string(job.Source),
		Destination:    string(job.Destination),
		Phase:          job.Phase.String(),
		Created:        job.Created,
		Owner:          string(job.Owner),
		RollbackReason: string(job.RollbackReason),
	}

	if !job.ConfirmationDeadline.IsZero() {
		deadline := job.ConfirmationDeadline
		out.ConfirmationDeadline = &deadline
	}

	return out
}

func statusToOutput(status copyjob.VirtualDriveStatus) VirtualDriveOutput {
	vd := status.VirtualDrive

	out := VirtualDriveOutput{
		ID:             string(vd.ID),
		RaidGroup:      string(vd.RaidGroup),
		Position:       vd.Position,
		Mode:           vd.Mode.String(),
		State:          vd.State.String(),
		Source:         string(vd.SourceDrive()),
		Capacity:       uint64(vd.Capacity),
		CopyComplete:   vd.CopyComplete,
		Percent:        status.Percent,
		Active:         status.Active,
		ParentDegraded: status.ParentDegraded,
		ParentProgress: status.ParentProgress,
		TimeoutErrors:  status.TimeoutErrors,
	}

	for _, edge := range status.Edges {
		out.Edges = append(out.Edges, EdgeOutput{
			Index:         int(edge.Index),
			Backing:       string(edge.Backing),
			Capacity:      uint64(edge.Capacity),
			PathState:     edge.PathState.String(),
			EndOfLife:     edge.EndOfLife,
			DriveFault:    edge.DriveFault,
			TimeoutErrors: edge.TimeoutErrors,
		})
	}

	if status.Job != nil {
		out.Job = jobToOutput(status.Job)
	}

	return out
}

func notificationToOutput(item NotificationAt) NotificationOutput {
	n := item.Notification

	return NotificationOutput{
		At:           item.At,
		Code:         string(n.Code),
		VirtualDrive: string(n.VirtualDrive),
		OldLocation:  string(n.OldLocation),
		NewLocation:  string(n.NewLocation),
		JobID:        n.JobID,
		Reason:       string(n.Reason),
		Percent:      n.Percent,
	}
}

func sweepToOutput(sweep scheduler.SweepSpec) SweepOutput {
	out := SweepOutput{
		ID:          sweep.ID,
		Description: sweep.Description,
		Schedule:    sweep.Schedule,
		NextRun:     sweep.NextRun,
		Runs:        sweep.Runs,
	}

	if lastRun := sweep.LastRun; lastRun != nil {
		started := lastRun.Started
		out.LastStarted = &started
		out.LastDuration = lastRun.Finished.Sub(lastRun.Started).String()
	}

	return out
}
