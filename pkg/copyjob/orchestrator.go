// Drives copy jobs through their phases: validates requests, runs the per-drive copy state
// machine, watches deadlines and faults, rolls back or hands over, and keeps the parent raid
// group's rebuild logging in line with what happened
package copyjob

import (
	"log"
	"sort"
	"time"

	"github.com/function61/drivecopy/pkg/copysm"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/edgetable"
	"github.com/function61/drivecopy/pkg/mutexmap"
	"github.com/function61/drivecopy/pkg/rebuildlog"
	"github.com/function61/gokit/logex"
)

// pool of drives that can become copy destinations. ranking candidates is up to the pool
type SpareSelector interface {
	// any healthy, unused spare of at least minCapacity
	Select(minCapacity dctypes.Lba) (dctypes.SpareCandidate, bool)
	// drive explicitly named by an operator
	Describe(drive dctypes.DriveID) (dctypes.SpareCandidate, error)
	Consume(drive dctypes.DriveID)
	Release(drive dctypes.DriveID)
}

type Notifier interface {
	Notify(n dctypes.Notification)
}

// which controller drives jobs of a raid group
type RoleChecker interface {
	IsActive(rg dctypes.RaidGroupID) bool
	Epoch(rg dctypes.RaidGroupID) uint64
}

// single controller setups own everything
type AlwaysActive struct{}

func (AlwaysActive) IsActive(dctypes.RaidGroupID) bool { return true }
func (AlwaysActive) Epoch(dctypes.RaidGroupID) uint64  { return 1 }

type Config struct {
	Controller    dctypes.ControllerID
	ChunkSize     dctypes.Lba
	MarkBudget    int           // regions of lazy marking materialized per map per tick
	ProactiveCopy bool          // end-of-life on a source drive starts a copy by itself
	HotSpareDelay time.Duration // a faulted drive is replaced by a spare after this long. 0 = never
}

type Deps struct {
	Store       *dcdb.Store
	Edges       *edgetable.Table
	Coordinator *rebuildlog.Coordinator
	Mover       copysm.Mover
	Observer    copysm.Observer
	Spares      SpareSelector
	Notifier    Notifier
	Role        RoleChecker
}

type activeJob struct {
	job             dctypes.CopyJob
	release         func()
	reportedPercent int
}

type rebuildKey struct {
	mapID    dctypes.RebuildMapID
	position int
}

const (
	rebuildRetryBase = 5 * time.Second
	rebuildRetryMax  = 10 * time.Minute
)

// failed rebuilds of a position are retried with exponential backoff
type rebuildRetry struct {
	drive     dctypes.DriveID // a different drive at the position starts over
	failures  int
	notBefore time.Time
}

func (r rebuildRetry) backoff() time.Duration {
	wait := rebuildRetryBase
	for i := 1; i < r.failures && wait < rebuildRetryMax; i++ {
		wait *= 2
	}

	if wait > rebuildRetryMax {
		return rebuildRetryMax
	}

	return wait
}

// not safe for concurrent use. the scheduler serializes all calls
type Orchestrator struct {
	conf     Config
	deps     Deps
	smDeps   *copysm.Deps
	machines map[dctypes.VirtualDriveID]*copysm.Machine
	jobs     map[dctypes.VirtualDriveID]*activeJob
	gate     *mutexmap.M
	rebuilds map[rebuildKey]bool
	retries  map[rebuildKey]rebuildRetry
	faulted  map[dctypes.VirtualDriveID]time.Time // when the position's drive was first seen faulted
	logger   *log.Logger
	logl     *logex.Leveled
}

func New(conf Config, deps Deps, logger *log.Logger) *Orchestrator {
	if deps.Observer == nil {
		deps.Observer = copysm.NopObserver{}
	}

	if deps.Role == nil {
		deps.Role = AlwaysActive{}
	}

	if conf.MarkBudget == 0 {
		conf.MarkBudget = 1024
	}

	return &Orchestrator{
		conf: conf,
		deps: deps,
		smDeps: &copysm.Deps{
			Store:       deps.Store,
			Edges:       deps.Edges,
			Coordinator: deps.Coordinator,
			Mover:       deps.Mover,
			Observer:    deps.Observer,
			ChunkSize:   conf.ChunkSize,
		},
		machines: map[dctypes.VirtualDriveID]*copysm.Machine{},
		jobs:     map[dctypes.VirtualDriveID]*activeJob{},
		gate:     mutexmap.New(),
		rebuilds: map[rebuildKey]bool{},
		retries:  map[rebuildKey]rebuildRetry{},
		faulted:  map[dctypes.VirtualDriveID]time.Time{},
		logger:   logger,
		logl:     logex.Levels(logger),
	}
}

// loads every virtual drive into the edge table and takes over jobs of groups this
// controller is active for
func (o *Orchestrator) Start(now time.Time) error {
	var groups []dctypes.RaidGroup
	if err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		groups, err = q.RaidGroups()
		return err
	}); err != nil {
		return err
	}

	for _, rg := range groups {
		if err := o.loadRaidGroup(rg.ID); err != nil {
			return err
		}

		if o.deps.Role.IsActive(rg.ID) {
			if err := o.Resume(rg.ID, now); err != nil {
				return err
			}
		}
	}

	return nil
}

func (o *Orchestrator) machine(vd dctypes.VirtualDriveID) *copysm.Machine {
	m, found := o.machines[vd]
	if !found {
		m = copysm.New(vd, o.smDeps, logex.Prefix(string(vd), o.logger))
		o.machines[vd] = m
	}

	return m
}

func (o *Orchestrator) notify(n dctypes.Notification) {
	o.logl.Info.Printf("event: %s", n.String())

	o.deps.Notifier.Notify(n)
}

// job IDs in stable order
func (o *Orchestrator) jobDrives() []dctypes.VirtualDriveID {
	ids := make([]dctypes.VirtualDriveID, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

func (o *Orchestrator) sparingConfig() dcdb.SparingConfig {
	conf := dcdb.DefaultSparingConfig()

	if err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		conf, err = q.SparingConfig()
		return err
	}); err != nil {
		o.logl.Error.Printf("sparing config: %v (using defaults)", err)
		return dcdb.DefaultSparingConfig()
	}

	return conf
}

// copy progress is bounded by checkpoint writes even when confirmation is disabled.
// other phases only get a deadline with confirmation enabled
func (o *Orchestrator) deadlineFor(phase dctypes.JobPhase, now time.Time) time.Time {
	conf := o.sparingConfig()

	switch {
	case phase == dctypes.PhaseRollback:
		return time.Time{}
	case phase == dctypes.PhaseWaitForDataCopy || conf.ConfirmationEnabled:
		return now.Add(conf.OperationTimeout)
	default:
		return time.Time{}
	}
}

func (o *Orchestrator) readVirtualDrive(id dctypes.VirtualDriveID) (*dctypes.VirtualDrive, error) {
	var vd *dctypes.VirtualDrive
	err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		vd, err = q.VirtualDrive(id)
		return err
	})

	return vd, err
}

func (o *Orchestrator) loadRaidGroup(rg dctypes.RaidGroupID) error {
	return o.deps.Store.View(func(q *dcdb.Queries) error {
		vds, err := q.VirtualDrivesOfRaidGroup(rg)
		if err != nil {
			return err
		}

		for i := range vds {
			o.deps.Edges.Load(&vds[i])
		}

		return nil
	})
}
