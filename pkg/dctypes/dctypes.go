// Data model of the drive copy / sparing engine
package dctypes

import (
	"fmt"
	"math"
	"time"
)

// block address or block count on a drive
type Lba uint64

// end marker of a copy checkpoint. also means "no copy active"
const LbaInvalid Lba = math.MaxUint64

type DriveID string

type VirtualDriveID string

type RaidGroupID string

type ControllerID string

type EdgeIndex int

const (
	EdgeInvalid EdgeIndex = -1
	EdgeFirst   EdgeIndex = 0
	EdgeSecond  EdgeIndex = 1
)

func (e EdgeIndex) Other() EdgeIndex {
	switch e {
	case EdgeFirst:
		return EdgeSecond
	case EdgeSecond:
		return EdgeFirst
	default:
		return EdgeInvalid
	}
}

func (e EdgeIndex) Valid() bool {
	return e == EdgeFirst || e == EdgeSecond
}

type ConfigMode int

const (
	ConfigModeUnknown ConfigMode = iota
	PassThruPrimary
	PassThruSecondary
	MirrorPrimary
	MirrorSecondary
)

// pass-thru mode with given edge as the sole data path
func PassThruOn(idx EdgeIndex) ConfigMode {
	switch idx {
	case EdgeFirst:
		return PassThruPrimary
	case EdgeSecond:
		return PassThruSecondary
	default:
		return ConfigModeUnknown
	}
}

// mirror mode where data flows from given edge to the other
func MirrorFrom(source EdgeIndex) ConfigMode {
	switch source {
	case EdgeFirst:
		return MirrorPrimary
	case EdgeSecond:
		return MirrorSecondary
	default:
		return ConfigModeUnknown
	}
}

// resolves (source, destination) edge indices. destination is EdgeInvalid for pass-thru
func (c ConfigMode) SourceDestination() (EdgeIndex, EdgeIndex) {
	switch c {
	case PassThruPrimary:
		return EdgeFirst, EdgeInvalid
	case PassThruSecondary:
		return EdgeSecond, EdgeInvalid
	case MirrorPrimary:
		return EdgeFirst, EdgeSecond
	case MirrorSecondary:
		return EdgeSecond, EdgeFirst
	default:
		return EdgeInvalid, EdgeInvalid
	}
}

func (c ConfigMode) IsMirror() bool {
	return c == MirrorPrimary || c == MirrorSecondary
}

func (c ConfigMode) IsPassThru() bool {
	return c == PassThruPrimary || c == PassThruSecondary
}

func (c ConfigMode) String() string {
	switch c {
	case PassThruPrimary:
		return "PassThruPrimary"
	case PassThruSecondary:
		return "PassThruSecondary"
	case MirrorPrimary:
		return "MirrorPrimary"
	case MirrorSecondary:
		return "MirrorSecondary"
	default:
		return "Unknown"
	}
}

type PathState int

const (
	PathInvalid  PathState = iota // nothing connected
	PathDisabled                  // connected, drive not (yet) ready
	PathEnabled
	PathBroken // drive removed or unreachable
)

func (p PathState) String() string {
	switch p {
	case PathInvalid:
		return "Invalid"
	case PathDisabled:
		return "Disabled"
	case PathEnabled:
		return "Enabled"
	case PathBroken:
		return "Broken"
	default:
		return fmt.Sprintf("PathState(%d)", int(p))
	}
}

// durable half of an edge. health flags are per-controller observations and live in the edge table
type EdgeConnection struct {
	Backing  DriveID // "" = not connected
	Capacity Lba
}

func (e EdgeConnection) Connected() bool {
	return e.Backing != ""
}

type CopyState int

const (
	StateIdle CopyState = iota
	StateSwappingIn
	StateMirroring
	StateRebuildingPaged
	StateCopyingUserData
	StateCopyComplete
	StateSettingConfigMode
	StateSwappingOutSource
	StateAbortingCopy
	StateSwappingOutDestination
)

var copyStateNames = map[CopyState]string{
	StateIdle:                   "Idle",
	StateSwappingIn:             "SwappingIn",
	StateMirroring:              "Mirroring",
	StateRebuildingPaged:        "RebuildingPaged",
	StateCopyingUserData:        "CopyingUserData",
	StateCopyComplete:           "CopyComplete",
	StateSettingConfigMode:      "SettingConfigMode",
	StateSwappingOutSource:      "SwappingOutSource",
	StateAbortingCopy:           "AbortingCopy",
	StateSwappingOutDestination: "SwappingOutDestination",
}

func (c CopyState) String() string {
	if name, found := copyStateNames[c]; found {
		return name
	}

	return fmt.Sprintf("CopyState(%d)", int(c))
}

// states from which a destination fault still aborts the copy
func (c CopyState) BeforeCopyComplete() bool {
	switch c {
	case StateSwappingIn, StateMirroring, StateRebuildingPaged, StateCopyingUserData:
		return true
	default:
		return false
	}
}

type VirtualDrive struct {
	ID                 VirtualDriveID
	RaidGroup          RaidGroupID
	Position           int // member position in parent raid group
	Mode               ConfigMode
	Edges              [2]EdgeConnection
	Capacity           Lba // exported (user data) capacity
	MetadataCapacity   Lba // paged metadata, copied before user data
	Checkpoint         Lba
	MetadataCheckpoint Lba
	State              CopyState
	RequestInProgress  bool
	CopyComplete       bool
	Generation         uint64
}

func (v *VirtualDrive) SourceDestination() (EdgeIndex, EdgeIndex) {
	return v.Mode.SourceDestination()
}

// backing drive currently serving as the source ("" if mode is unknown)
func (v *VirtualDrive) SourceDrive() DriveID {
	src, _ := v.Mode.SourceDestination()
	if !src.Valid() {
		return ""
	}

	return v.Edges[src].Backing
}

// copy progress in percent. 100 once the checkpoint has reached its end marker with copy complete
func (v *VirtualDrive) PercentCopied() int {
	if v.CopyComplete {
		return 100
	}

	if v.Checkpoint == LbaInvalid || v.Capacity == 0 {
		return 0
	}

	return int(uint64(v.Checkpoint) * 100 / uint64(v.Capacity))
}

type RaidGroup struct {
	ID             RaidGroupID
	Members        []VirtualDriveID // index = position
	Redundancy     int              // how many positions may be degraded at once
	RegionSize     Lba
	PreferredOwner ControllerID
}

type RebuildMapID string

func RaidGroupMapID(id RaidGroupID) RebuildMapID {
	return RebuildMapID("rg:" + string(id))
}

// a virtual drive is internally a two-way mirror, its positions being the edges
func VirtualDriveMapID(id VirtualDriveID) RebuildMapID {
	return RebuildMapID("vd:" + string(id))
}

type PositionRebuild struct {
	RebuildLogging    bool
	NeedsRebuild      []byte // marshaled bitset, one bit per region
	MarkPending       bool   // all regions >= MarkCursor are logically needs-rebuild
	MarkCursor        int
	RebuildCheckpoint Lba
}

type RebuildMap struct {
	ID          RebuildMapID
	RaidGroup   RaidGroupID // ownership scope (for virtual drive maps, the parent group)
	RegionSize  Lba
	RegionCount int
	Positions   []PositionRebuild
	Generation  uint64
}

type Ownership struct {
	RaidGroup RaidGroupID
	Owner     ControllerID
	Epoch     uint64
	Token     string // changes on every takeover
}

type JobKind int

const (
	JobProactiveCopy JobKind = iota
	JobUserCopy
	JobUserCopyTo
)

func (k JobKind) String() string {
	switch k {
	case JobProactiveCopy:
		return "ProactiveCopy"
	case JobUserCopy:
		return "UserCopy"
	case JobUserCopyTo:
		return "UserCopyTo"
	default:
		return fmt.Sprintf("JobKind(%d)", int(k))
	}
}

func JobKindFromString(kind string) (JobKind, error) {
	switch kind {
	case "proactive", "ProactiveCopy":
		return JobProactiveCopy, nil
	case "user", "UserCopy":
		return JobUserCopy, nil
	case "user-to", "UserCopyTo":
		return JobUserCopyTo, nil
	default:
		return 0, fmt.Errorf("unknown job kind: %s", kind)
	}
}

type JobPhase int

const (
	PhaseValidate JobPhase = iota
	PhaseCreateDestinationEdge
	PhaseMarkDestinationDirty
	PhaseWaitForDataCopy
	PhaseSetConfigModeToDestination
	PhaseClearRebuildLogging
	PhaseSwapOutSource
	PhaseCommit
	PhaseRollback
)

var jobPhaseNames = map[JobPhase]string{
	PhaseValidate:                   "Validate",
	PhaseCreateDestinationEdge:      "CreateDestinationEdge",
	PhaseMarkDestinationDirty:       "MarkDestinationDirty",
	PhaseWaitForDataCopy:            "WaitForDataCopy",
	PhaseSetConfigModeToDestination: "SetConfigModeToDestination",
	PhaseClearRebuildLogging:        "ClearRebuildLogging",
	PhaseSwapOutSource:              "SwapOutSource",
	PhaseCommit:                     "Commit",
	PhaseRollback:                   "Rollback",
}

func (p JobPhase) String() string {
	if name, found := jobPhaseNames[p]; found {
		return name
	}

	return fmt.Sprintf("JobPhase(%d)", int(p))
}

type CopyJob struct {
	ID                   string
	Kind                 JobKind
	VirtualDrive         VirtualDriveID // primary key: at most one job per virtual drive
	RaidGroup            RaidGroupID
	Position             int // of the virtual drive in the raid group
	Source               DriveID
	Destination          DriveID
	DestinationCapacity  Lba
	SourceEdge           EdgeIndex
	DestinationEdge      EdgeIndex
	Phase                JobPhase
	PriorMode            ConfigMode
	PriorCheckpoint      Lba
	Created              time.Time
	PhaseEntered         time.Time
	ConfirmationDeadline time.Time // zero = no deadline
	Owner                ControllerID
	Epoch                uint64
	RollbackReason       ReasonCode
}

// drive offered as a copy destination
type SpareCandidate struct {
	Drive    DriveID
	Capacity Lba
	Healthy  bool
}
