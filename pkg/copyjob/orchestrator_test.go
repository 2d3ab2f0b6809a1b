package copyjob

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/function61/drivecopy/pkg/copysm"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctest"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/edgetable"
	"github.com/function61/drivecopy/pkg/rebuildlog"
	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testRole struct {
	active bool
}

func (r *testRole) IsActive(dctypes.RaidGroupID) bool { return r.active }
func (r *testRole) Epoch(dctypes.RaidGroupID) uint64  { return 1 }

type testEnv struct {
	store    *dcdb.Store
	edges    *edgetable.Table
	coord    *rebuildlog.Coordinator
	mover    *dctest.QueueMover
	spares   *dctest.SparePool
	events   *dctest.Notifications
	observer *dctest.Observer
	role     *testRole
	orch     *Orchestrator
	now      time.Time
}

// vd1 (d1) is copied in chunks of 50 blocks: one metadata chunk + 20 user data chunks
func newEnv(t *testing.T, store *dcdb.Store) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    store,
		edges:    edgetable.New(),
		coord:    rebuildlog.New(logex.Discard),
		mover:    &dctest.QueueMover{},
		spares:   dctest.NewSparePool(),
		events:   &dctest.Notifications{},
		observer: dctest.NewObserver(),
		role:     &testRole{active: true},
		now:      t0,
	}

	env.orch = New(Config{Controller: "a", ChunkSize: 50}, Deps{
		Store:       store,
		Edges:       env.edges,
		Coordinator: env.coord,
		Mover:       env.mover,
		Observer:    env.observer,
		Spares:      env.spares,
		Notifier:    env.events,
		Role:        env.role,
	}, logex.Discard)

	assert.Assert(t, env.orch.Start(env.now) == nil)

	return env
}

func setupDefault(t *testing.T) *testEnv {
	return newEnv(t, dctest.OpenStore(t, "copyjob", dctest.Topology()))
}

func (e *testEnv) flag(vd dctypes.VirtualDriveID, edge dctypes.EdgeIndex, backing dctypes.DriveID, flag dctypes.EdgeFlag, set bool) {
	e.orch.HandleEdgeEvent(dctypes.EdgeEvent{
		VirtualDrive: vd,
		Edge:         edge,
		Backing:      backing,
		Flag:         flag,
		Set:          set,
	}, e.now)
}

func (e *testEnv) path(vd dctypes.VirtualDriveID, edge dctypes.EdgeIndex, backing dctypes.DriveID, state dctypes.PathState) {
	e.orch.HandleEdgeEvent(dctypes.EdgeEvent{
		VirtualDrive: vd,
		Edge:         edge,
		Backing:      backing,
		Flag:         dctypes.FlagPathState,
		Path:         state,
	}, e.now)
}

func (e *testEnv) vd1(t *testing.T) *dctypes.VirtualDrive {
	return dctest.VirtualDrive(t, e.store, "vd1")
}

// user copy of vd1 onto s1, with the destination path coming up
func (e *testEnv) startCopy(t *testing.T) *dctypes.CopyJob {
	t.Helper()

	job, err := e.orch.RequestCopy(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}, e.now)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(job.Destination), "s1")
	assert.Assert(t, job.Position == 1)
	assert.Assert(t, dctest.CopyJob(t, e.store, "vd1").Position == 1)
	assert.EqualString(t, job.Phase.String(), "WaitForDataCopy")
	assert.EqualString(t, e.vd1(t).State.String(), "SwappingIn")

	e.path("vd1", dctypes.EdgeSecond, "s1", dctypes.PathEnabled)

	return job
}

// completes up to max issued chunks. returns how many were completed
func (e *testEnv) completeChunks(t *testing.T, max int) int {
	t.Helper()

	done := 0
	for ; done < max; done++ {
		req, ok := e.mover.PopChunk()
		if !ok {
			break
		}

		e.orch.HandleChunkCompleted(copysm.ChunkCompletion{VirtualDrive: req.VirtualDrive, Token: req.Token}, e.now)
	}

	return done
}

func (e *testEnv) rebuildAll(t *testing.T) int {
	t.Helper()

	done := 0
	for ; done < 100; done++ {
		req, ok := e.mover.PopRebuild()
		if !ok {
			break
		}

		e.orch.HandleRebuildCompleted(copysm.RebuildCompletion{
			Map:      req.Map,
			Position: req.Position,
			Region:   req.Region,
			Drive:    req.Drive,
		}, e.now)
	}

	return done
}

func TestUserCopy(t *testing.T) {
	env := setupDefault(t)

	env.startCopy(t)
	assert.EqualString(t, env.vd1(t).State.String(), "RebuildingPaged")
	assert.EqualString(t, env.vd1(t).Mode.String(), "MirrorPrimary")

	assert.Assert(t, env.completeChunks(t, 100) == 21)

	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.EqualString(t, vd.Mode.String(), "PassThruSecondary")
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeSecond].Backing), "s1")
	assert.Assert(t, !vd.Edges[dctypes.EdgeFirst].Connected())
	assert.Assert(t, vd.CopyComplete)
	assert.Assert(t, !vd.RequestInProgress)

	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)

	vdMap := dctest.RebuildMap(t, env.store, dctypes.VirtualDriveMapID("vd1"))
	for pos := range vdMap.Positions {
		assert.Assert(t, !vdMap.Positions[pos].RebuildLogging)
		clean, err := env.coord.IsClean(vdMap, pos)
		assert.Assert(t, err == nil)
		assert.Assert(t, clean)
	}

	assert.EqualString(t, strings.Join(env.events.Codes(), ","), "copy-initiated,drive-swapped-out,copy-completed")
	assert.Assert(t, env.events.Count(dctypes.EventCopyProgress) == 9)
}

func TestSecondRequestIsRejectedAsBusy(t *testing.T) {
	env := setupDefault(t)

	first := env.startCopy(t)

	for i := 0; i < 3; i++ {
		_, err := env.orch.RequestCopy(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}, env.now)
		assert.EqualString(t, string(dctypes.ReasonOf(err)), "copy_in_progress")
	}

	job := dctest.CopyJob(t, env.store, "vd1")
	assert.EqualString(t, job.ID, first.ID)
	assert.Assert(t, env.events.Count(dctypes.EventCopyDenied) == 3)
	assert.Assert(t, !env.spares.InUse("s2"))
}

func TestRejections(t *testing.T) {
	env := setupDefault(t)

	env.spares.Drives["tiny"] = &dctest.Spare{Capacity: 1000, Healthy: true} // no room for paged metadata
	env.spares.Drives["sick"] = &dctest.Spare{Capacity: 2000, Healthy: false}

	rejected := func(req CopyRequest) string {
		_, err := env.orch.RequestCopy(req, env.now)
		return string(dctypes.ReasonOf(err))
	}

	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd9", Kind: dctypes.JobUserCopy}), "unknown_virtual_drive")
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopyTo}), "destination_required")
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopyTo, Destination: "tiny"}), "destination_capacity_too_small")
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopyTo, Destination: "sick"}), "destination_not_healthy")
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopyTo, Destination: "d1"}), "invalid_destination")
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopyTo, Destination: "nope"}), "invalid_destination")
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobProactiveCopy}), "proactive_copy_not_required")

	env.role.active = false
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}), "not_active_controller")
	env.role.active = true

	// s1 taken by a copy of vd2
	_, err := env.orch.RequestCopy(CopyRequest{VirtualDrive: "vd2", Kind: dctypes.JobUserCopyTo, Destination: "s1"}, env.now)
	assert.Assert(t, err == nil)
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopyTo, Destination: "s1"}), "destination_in_use")

	// vd2's copy has s1 and the tiny/sick ones do not qualify. s2 is the last
	env.spares.Consume("s2")
	assert.EqualString(t, rejected(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}), "no_spare_available")

	// nothing was created by any of the rejections
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)
	assert.EqualString(t, env.vd1(t).State.String(), "Idle")
	assert.Assert(t, env.events.Count(dctypes.EventCopyDenied) == 10)
}

func TestRejectedWhenPositionDegraded(t *testing.T) {
	env := setupDefault(t)

	assert.Assert(t, env.store.Update(func(tx *dcdb.Tx) error {
		return env.coord.StartLogging(tx, dctypes.RaidGroupMapID("rg1"), 1)
	}) == nil)

	_, err := env.orch.RequestCopy(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}, env.now)
	assert.EqualString(t, string(dctypes.ReasonOf(err)), "raid_group_degraded")
}

func TestRejectedWhenGroupBroken(t *testing.T) {
	env := setupDefault(t)

	assert.Assert(t, env.store.Update(func(tx *dcdb.Tx) error {
		for _, pos := range []int{0, 2} {
			if err := env.coord.StartLogging(tx, dctypes.RaidGroupMapID("rg1"), pos); err != nil {
				return err
			}
		}
		return nil
	}) == nil)

	_, err := env.orch.RequestCopy(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}, env.now)
	assert.EqualString(t, string(dctypes.ReasonOf(err)), "raid_group_broken")
}

func TestSourceEndOfLifeDoesNotAbort(t *testing.T) {
	env := setupDefault(t)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 2) == 2) // metadata + 50 blocks = 5%
	assert.Assert(t, env.vd1(t).PercentCopied() == 5)

	env.flag("vd1", dctypes.EdgeFirst, "d1", dctypes.FlagEndOfLife, true)
	env.orch.Tick(env.now)

	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "CopyingUserData")
	assert.EqualString(t, vd.Mode.String(), "MirrorPrimary")
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeFirst].Backing), "d1")
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeSecond].Backing), "s1")

	assert.Assert(t, env.completeChunks(t, 100) == 19)
	assert.EqualString(t, env.vd1(t).Mode.String(), "PassThruSecondary")
	assert.Assert(t, env.events.Count(dctypes.EventCopyAborted) == 0)
	assert.Assert(t, env.events.Count(dctypes.EventCopyCompleted) == 1)
}

func TestDestinationRemovedAborts(t *testing.T) {
	env := setupDefault(t)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 2) == 2)

	env.path("vd1", dctypes.EdgeSecond, "s1", dctypes.PathBroken)

	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.EqualString(t, vd.Mode.String(), "PassThruPrimary")
	assert.Assert(t, !vd.Edges[dctypes.EdgeSecond].Connected())
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeFirst].Backing), "d1")
	assert.Assert(t, vd.Checkpoint == dctypes.LbaInvalid)
	assert.Assert(t, !vd.RequestInProgress)

	vdMap := dctest.RebuildMap(t, env.store, dctypes.VirtualDriveMapID("vd1"))
	dirty, err := env.coord.DirtyRegions(vdMap, int(dctypes.EdgeSecond))
	assert.Assert(t, err == nil)
	assert.Assert(t, dirty == 0)
	assert.Assert(t, !vdMap.Positions[dctypes.EdgeSecond].RebuildLogging)

	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)
	assert.Assert(t, env.events.Count(dctypes.EventCopyAborted) == 1)
	assert.EqualString(t, string(env.events.Last().Reason), "destination_removed")

	// the in-flight chunk's completion no longer matters
	assert.Assert(t, env.completeChunks(t, 100) <= 1)
	assert.EqualString(t, env.vd1(t).Mode.String(), "PassThruPrimary")

	// drive was failed out, so it does not return to the pool
	assert.Assert(t, env.spares.InUse("s1"))
}

func TestAbortRestoresPriorModeAndCheckpoint(t *testing.T) {
	env := setupDefault(t)

	before := env.vd1(t)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 8) == 8)

	env.flag("vd1", dctypes.EdgeSecond, "s1", dctypes.FlagDriveFault, true)

	after := env.vd1(t)
	assert.EqualString(t, after.Mode.String(), before.Mode.String())
	assert.Assert(t, after.Checkpoint == before.Checkpoint)
	assert.EqualString(t, after.State.String(), "Idle")
	assert.Assert(t, after.Edges[dctypes.EdgeSecond] == dctypes.EdgeConnection{})
	assert.EqualString(t, string(env.events.Last().Reason), "destination_failed")
}

func TestBothFaultsDestinationWins(t *testing.T) {
	env := setupDefault(t)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 3) == 3)

	// both arrive before the next evaluation
	env.edges.Apply(dctypes.EdgeEvent{VirtualDrive: "vd1", Edge: dctypes.EdgeFirst, Backing: "d1", Flag: dctypes.FlagDriveFault, Set: true})
	env.edges.Apply(dctypes.EdgeEvent{VirtualDrive: "vd1", Edge: dctypes.EdgeSecond, Backing: "s1", Flag: dctypes.FlagDriveFault, Set: true})
	env.orch.Tick(env.now)

	vd := env.vd1(t)
	assert.EqualString(t, vd.Mode.String(), "PassThruPrimary")
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeFirst].Backing), "d1")
	assert.Assert(t, !vd.Edges[dctypes.EdgeSecond].Connected())
	assert.Assert(t, env.events.Count(dctypes.EventCopyAborted) == 1)
	assert.Assert(t, env.events.Count(dctypes.EventDriveSwappedOut) == 0)

	// source fault is now an ordinary position fault
	rgMap := dctest.RebuildMap(t, env.store, dctypes.RaidGroupMapID("rg1"))
	assert.Assert(t, rgMap.Positions[1].RebuildLogging)
}

func TestSourceFailureHandsOverToDestination(t *testing.T) {
	env := setupDefault(t)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 11) == 11) // metadata + 500 blocks

	env.flag("vd1", dctypes.EdgeFirst, "d1", dctypes.FlagDriveFault, true)

	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.EqualString(t, vd.Mode.String(), "PassThruSecondary")
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeSecond].Backing), "s1")
	assert.Assert(t, !vd.Edges[dctypes.EdgeFirst].Connected())
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)

	swapped := env.events.Last()
	assert.EqualString(t, string(swapped.Code), "drive-swapped-out")
	assert.EqualString(t, string(swapped.Reason), "source_failed")

	rgMap := dctest.RebuildMap(t, env.store, dctypes.RaidGroupMapID("rg1"))
	assert.Assert(t, rgMap.Positions[1].RebuildLogging)
	dirty, err := env.coord.DirtyRegions(rgMap, 1)
	assert.Assert(t, err == nil)
	assert.Assert(t, dirty == 5) // what the copy had not reached

	// ordinary rebuild takes it from here
	env.orch.Tick(env.now)
	assert.Assert(t, env.rebuildAll(t) == 5)
	env.orch.Tick(env.now)

	rgMap = dctest.RebuildMap(t, env.store, dctypes.RaidGroupMapID("rg1"))
	assert.Assert(t, !rgMap.Positions[1].RebuildLogging)
}

func TestSourceTimeoutClearedBySwap(t *testing.T) {
	env := setupDefault(t)
	rgMapID := dctypes.RaidGroupMapID("rg1")

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 5) == 5)

	// group already logging writes for the position
	assert.Assert(t, env.store.Update(func(tx *dcdb.Tx) error {
		return env.coord.StartLogging(tx, rgMapID, 1)
	}) == nil)

	env.flag("vd1", dctypes.EdgeFirst, "d1", dctypes.FlagTimeoutErrors, true)
	assert.Assert(t, env.coord.HasTimeoutErrors(rgMapID, 1))

	// clearing the flag on the feed is not enough
	env.flag("vd1", dctypes.EdgeFirst, "d1", dctypes.FlagTimeoutErrors, false)
	env.orch.Tick(env.now)
	assert.Assert(t, env.coord.HasTimeoutErrors(rgMapID, 1))
	assert.Assert(t, dctest.RebuildMap(t, env.store, rgMapID).Positions[1].RebuildLogging)

	// timeouts are not a reason to abort the copy
	assert.EqualString(t, env.vd1(t).State.String(), "CopyingUserData")

	assert.Assert(t, env.completeChunks(t, 100) == 16)
	assert.EqualString(t, env.vd1(t).Mode.String(), "PassThruSecondary")

	assert.Assert(t, !env.coord.HasTimeoutErrors(rgMapID, 1))
	assert.Assert(t, !dctest.RebuildMap(t, env.store, rgMapID).Positions[1].RebuildLogging)
}

func TestFinalPhaseTimeoutRollsBack(t *testing.T) {
	env := setupDefault(t)

	env.observer.Set(copysm.PointPhase(dctypes.PhaseSetConfigModeToDestination), copysm.Hold)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 100) == 21)

	job := dctest.CopyJob(t, env.store, "vd1")
	assert.EqualString(t, job.Phase.String(), "SetConfigModeToDestination")
	assert.EqualString(t, env.vd1(t).State.String(), "CopyComplete")

	env.now = env.now.Add(119 * time.Second)
	env.orch.Tick(env.now)
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") != nil)

	env.now = env.now.Add(2 * time.Second)
	env.orch.Tick(env.now)
	env.orch.Tick(env.now)

	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.EqualString(t, vd.Mode.String(), "PassThruPrimary")
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeFirst].Backing), "d1")
	assert.Assert(t, !vd.Edges[dctypes.EdgeSecond].Connected())
	assert.Assert(t, !vd.CopyComplete)
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)

	assert.Assert(t, env.events.Count(dctypes.EventUnexpectedError) == 1)
	assert.Assert(t, !env.spares.InUse("s1"))
}

func TestRollbackAfterModeFlipCompletesTheSwap(t *testing.T) {
	env := setupDefault(t)

	env.observer.Set(copysm.PointPhase(dctypes.PhaseClearRebuildLogging), copysm.Hold)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 100) == 21)
	assert.EqualString(t, env.vd1(t).Mode.String(), "PassThruSecondary")

	env.now = env.now.Add(10 * time.Minute)
	env.orch.Tick(env.now)

	// destination was already authoritative: restoring the source would lose writes
	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.EqualString(t, vd.Mode.String(), "PassThruSecondary")
	assert.Assert(t, !vd.Edges[dctypes.EdgeFirst].Connected())
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)
	assert.Assert(t, env.events.Count(dctypes.EventDriveSwappedOut) == 1)
	assert.Assert(t, env.events.Count(dctypes.EventUnexpectedError) == 1)
}

func TestCommitTimeoutReportsSwapOutOnce(t *testing.T) {
	env := setupDefault(t)

	env.observer.Set(copysm.PointPhase(dctypes.PhaseCommit), copysm.Hold)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 100) == 21)
	assert.EqualString(t, dctest.CopyJob(t, env.store, "vd1").Phase.String(), "Commit")
	assert.Assert(t, env.events.Count(dctypes.EventDriveSwappedOut) == 1)

	env.now = env.now.Add(10 * time.Minute)
	env.orch.Tick(env.now)

	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.EqualString(t, vd.Mode.String(), "PassThruSecondary")
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)

	// the source was already gone when the rollback finished the swap
	assert.Assert(t, env.events.Count(dctypes.EventDriveSwappedOut) == 1)
	assert.Assert(t, env.events.Count(dctypes.EventUnexpectedError) == 1)
}

func TestDestinationNeverReadyTimesOut(t *testing.T) {
	env := setupDefault(t)

	_, err := env.orch.RequestCopy(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}, env.now)
	assert.Assert(t, err == nil)

	env.orch.Tick(env.now)
	assert.EqualString(t, env.vd1(t).State.String(), "SwappingIn")

	env.now = env.now.Add(121 * time.Second)
	env.orch.Tick(env.now)

	vd := env.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.Assert(t, !vd.Edges[dctypes.EdgeSecond].Connected())
	assert.Assert(t, env.events.Count(dctypes.EventUnexpectedError) == 1)
}

func TestConfigurableTimeout(t *testing.T) {
	env := setupDefault(t)

	assert.Assert(t, env.store.Update(func(tx *dcdb.Tx) error {
		return dcdb.WriteSparingConfig(dcdb.SparingConfig{
			OperationTimeout:    30 * time.Second,
			ConfirmationEnabled: true,
		}, tx.Bolt())
	}) == nil)

	_, err := env.orch.RequestCopy(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}, env.now)
	assert.Assert(t, err == nil)

	env.now = env.now.Add(31 * time.Second)
	env.orch.Tick(env.now)

	assert.EqualString(t, env.vd1(t).State.String(), "Idle")
	assert.Assert(t, env.events.Count(dctypes.EventUnexpectedError) == 1)
}

func TestConfirmationDisabledLeavesOnlyCopyDeadline(t *testing.T) {
	env := setupDefault(t)

	assert.Assert(t, env.store.Update(func(tx *dcdb.Tx) error {
		return dcdb.WriteSparingConfig(dcdb.SparingConfig{
			OperationTimeout:    dcdb.DefaultOperationTimeout,
			ConfirmationEnabled: false,
		}, tx.Bolt())
	}) == nil)

	env.observer.Set(copysm.PointPhase(dctypes.PhaseSetConfigModeToDestination), copysm.Hold)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 100) == 21)

	job := dctest.CopyJob(t, env.store, "vd1")
	assert.Assert(t, job.ConfirmationDeadline.IsZero())

	env.now = env.now.Add(time.Hour)
	env.orch.Tick(env.now)
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") != nil)

	env.observer.Set(copysm.PointPhase(dctypes.PhaseSetConfigModeToDestination), copysm.Proceed)
	env.orch.Tick(env.now)
	assert.Assert(t, dctest.CopyJob(t, env.store, "vd1") == nil)
	assert.EqualString(t, env.vd1(t).Mode.String(), "PassThruSecondary")
}

func TestProactiveCopyStartsOnEndOfLife(t *testing.T) {
	env := setupDefault(t)
	env.orch.conf.ProactiveCopy = true

	env.flag("vd2", dctypes.EdgeFirst, "d2", dctypes.FlagEndOfLife, true)

	job := dctest.CopyJob(t, env.store, "vd2")
	assert.Assert(t, job != nil)
	assert.EqualString(t, job.Kind.String(), "ProactiveCopy")
	assert.EqualString(t, string(job.Source), "d2")
}

func TestResumeAfterRestart(t *testing.T) {
	env := setupDefault(t)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 11) == 11)
	assert.Assert(t, env.vd1(t).Checkpoint == 500)

	// chunk 500+50 is in flight when the controller goes away
	assert.Assert(t, len(env.mover.Chunks) == 1)

	restarted := newEnv(t, env.store)

	assert.Assert(t, len(restarted.mover.Chunks) == 1)
	assert.Assert(t, restarted.mover.Chunks[0].Start == 500)

	assert.Assert(t, restarted.completeChunks(t, 100) == 10)

	vd := restarted.vd1(t)
	assert.EqualString(t, vd.Mode.String(), "PassThruSecondary")
	assert.Assert(t, vd.CopyComplete)
	assert.Assert(t, dctest.CopyJob(t, restarted.store, "vd1") == nil)
}

func TestResumeContinuesRollback(t *testing.T) {
	env := setupDefault(t)

	env.observer.Set(copysm.PointState(dctypes.StateSwappingOutDestination), copysm.FailWrite)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 3) == 3)

	env.flag("vd1", dctypes.EdgeSecond, "s1", dctypes.FlagDriveFault, true)

	// stuck half-way
	assert.EqualString(t, env.vd1(t).State.String(), "AbortingCopy")
	assert.EqualString(t, dctest.CopyJob(t, env.store, "vd1").Phase.String(), "Rollback")

	restarted := newEnv(t, env.store)

	vd := restarted.vd1(t)
	assert.EqualString(t, vd.State.String(), "Idle")
	assert.EqualString(t, vd.Mode.String(), "PassThruPrimary")
	assert.Assert(t, dctest.CopyJob(t, restarted.store, "vd1") == nil)
	assert.EqualString(t, string(restarted.events.Last().Reason), "destination_failed")
}

func TestPassiveDoesNotDrive(t *testing.T) {
	env := setupDefault(t)
	env.role.active = false

	env.flag("vd1", dctypes.EdgeFirst, "d1", dctypes.FlagDriveFault, true)
	env.orch.Tick(env.now)

	rgMap := dctest.RebuildMap(t, env.store, dctypes.RaidGroupMapID("rg1"))
	assert.Assert(t, !rgMap.Positions[1].RebuildLogging)
}

func TestLogWrite(t *testing.T) {
	env := setupDefault(t)

	logged, err := env.orch.LogWrite("vd0", 0, 10)
	assert.Assert(t, err == nil)
	assert.Assert(t, !logged)

	env.flag("vd0", dctypes.EdgeFirst, "d0", dctypes.FlagDriveFault, true)

	logged, err = env.orch.LogWrite("vd0", 250, 100)
	assert.Assert(t, err == nil)
	assert.Assert(t, logged)

	rgMap := dctest.RebuildMap(t, env.store, dctypes.RaidGroupMapID("rg1"))
	dirty, err := env.coord.DirtyRegions(rgMap, 0)
	assert.Assert(t, err == nil)
	assert.Assert(t, dirty == 2)
}

func TestStatus(t *testing.T) {
	env := setupDefault(t)

	env.startCopy(t)
	assert.Assert(t, env.completeChunks(t, 11) == 11)

	statuses, err := env.orch.Status()
	assert.Assert(t, err == nil)
	assert.Assert(t, len(statuses) == 3)

	vd1 := statuses[1]
	assert.EqualString(t, string(vd1.VirtualDrive.ID), "vd1")
	assert.Assert(t, vd1.Job != nil)
	assert.Assert(t, vd1.Percent == 50)
	assert.EqualString(t, string(vd1.Edges[dctypes.EdgeSecond].Backing), "s1")
	assert.Assert(t, statuses[0].Job == nil)
}

func TestHotSpareReplacesFaultedDrive(t *testing.T) {
	env := setupDefault(t)
	env.orch.conf.HotSpareDelay = 5 * time.Minute
	rgMapID := dctypes.RaidGroupMapID("rg1")

	env.path("vd1", dctypes.EdgeFirst, "d1", dctypes.PathBroken)
	env.orch.Tick(env.now)
	assert.Assert(t, dctest.RebuildMap(t, env.store, rgMapID).Positions[1].RebuildLogging)

	env.now = env.now.Add(4 * time.Minute)
	env.orch.Tick(env.now)
	assert.EqualString(t, string(env.vd1(t).Edges[dctypes.EdgeFirst].Backing), "d1")
	assert.Assert(t, env.events.Count(dctypes.EventHotSpareSwapped) == 0)

	env.now = env.now.Add(2 * time.Minute)
	env.orch.Tick(env.now)

	vd := env.vd1(t)
	assert.EqualString(t, string(vd.Edges[dctypes.EdgeFirst].Backing), "s1")
	assert.Assert(t, vd.Edges[dctypes.EdgeFirst].Capacity == 2000)
	assert.EqualString(t, vd.Mode.String(), "PassThruPrimary")
	assert.Assert(t, env.spares.InUse("s1"))
	assert.Assert(t, env.events.Count(dctypes.EventHotSpareSwapped) == 1)

	edge := env.edges.Edge("vd1", dctypes.EdgeFirst)
	assert.EqualString(t, string(edge.Backing), "s1")
	assert.Assert(t, edge.PathState == dctypes.PathDisabled)

	// the spare is rebuilt from the rest of the group
	req, ok := env.mover.PopRebuild()
	assert.Assert(t, ok)
	assert.EqualString(t, string(req.Drive), "s1")
	assert.Assert(t, req.Position == 1)

	env.orch.HandleRebuildCompleted(copysm.RebuildCompletion{
		Map:      req.Map,
		Position: req.Position,
		Region:   req.Region,
		Drive:    req.Drive,
	}, env.now)

	assert.Assert(t, env.rebuildAll(t) > 0)

	env.orch.Tick(env.now)
	assert.Assert(t, !dctest.RebuildMap(t, env.store, rgMapID).Positions[1].RebuildLogging)

	// feed items about the replaced drive no longer reach the edge
	env.flag("vd1", dctypes.EdgeFirst, "d1", dctypes.FlagDriveFault, true)
	assert.Assert(t, !env.edges.Edge("vd1", dctypes.EdgeFirst).DriveFault)

	env.now = env.now.Add(time.Hour)
	env.orch.Tick(env.now)
	assert.Assert(t, env.events.Count(dctypes.EventHotSpareSwapped) == 1)

	// the position is healthy again: copies are no longer refused as degraded
	job, err := env.orch.RequestCopy(CopyRequest{VirtualDrive: "vd1", Kind: dctypes.JobUserCopy}, env.now)
	assert.Assert(t, err == nil)
	assert.EqualString(t, string(job.Source), "s1")
	assert.EqualString(t, string(job.Destination), "s2")
}

func TestHotSpareNotUsedWhenDriveRecovers(t *testing.T) {
	env := setupDefault(t)
	env.orch.conf.HotSpareDelay = 5 * time.Minute

	env.path("vd1", dctypes.EdgeFirst, "d1", dctypes.PathBroken)
	env.orch.Tick(env.now)

	env.now = env.now.Add(3 * time.Minute)
	env.path("vd1", dctypes.EdgeFirst, "d1", dctypes.PathEnabled)
	env.orch.Tick(env.now)

	// faulting again starts the wait over
	env.path("vd1", dctypes.EdgeFirst, "d1", dctypes.PathBroken)
	env.orch.Tick(env.now)

	env.now = env.now.Add(3 * time.Minute)
	env.orch.Tick(env.now)

	assert.EqualString(t, string(env.vd1(t).Edges[dctypes.EdgeFirst].Backing), "d1")
	assert.Assert(t, !env.spares.InUse("s1"))
	assert.Assert(t, env.events.Count(dctypes.EventHotSpareSwapped) == 0)
}

func TestHotSpareWaitsForRedundancy(t *testing.T) {
	env := setupDefault(t)
	env.orch.conf.HotSpareDelay = time.Minute

	// two positions down in a single redundancy group: nothing to rebuild from
	env.path("vd0", dctypes.EdgeFirst, "d0", dctypes.PathBroken)
	env.path("vd1", dctypes.EdgeFirst, "d1", dctypes.PathBroken)
	env.orch.Tick(env.now)

	env.now = env.now.Add(2 * time.Minute)
	env.orch.Tick(env.now)

	assert.EqualString(t, string(env.vd1(t).Edges[dctypes.EdgeFirst].Backing), "d1")
	assert.Assert(t, env.events.Count(dctypes.EventHotSpareSwapped) == 0)
}

func TestFailedRebuildBacksOff(t *testing.T) {
	env := setupDefault(t)
	rgMapID := dctypes.RaidGroupMapID("rg1")

	// d1 came back from somewhere and is out of sync
	assert.Assert(t, env.store.Update(func(tx *dcdb.Tx) error {
		return env.coord.EdgeConnected(tx, rgMapID, 1, false)
	}) == nil)

	env.orch.Tick(env.now)

	fail := func() {
		t.Helper()

		req, ok := env.mover.PopRebuild()
		assert.Assert(t, ok)
		assert.Assert(t, req.Position == 1 && req.Region == 0)

		env.orch.HandleRebuildCompleted(copysm.RebuildCompletion{
			Map:      req.Map,
			Position: req.Position,
			Region:   req.Region,
			Drive:    req.Drive,
			Err:      errors.New("read error"),
		}, env.now)
	}

	dispatched := func() bool {
		t.Helper()

		env.orch.Tick(env.now)
		return len(env.mover.Rebuilds) > 0
	}

	fail()
	assert.Assert(t, !dispatched())

	env.now = env.now.Add(4 * time.Second)
	assert.Assert(t, !dispatched())

	env.now = env.now.Add(2 * time.Second)
	assert.Assert(t, dispatched())

	// second failure waits twice as long
	fail()

	env.now = env.now.Add(9 * time.Second)
	assert.Assert(t, !dispatched())

	env.now = env.now.Add(2 * time.Second)
	assert.Assert(t, dispatched())

	// success resets the backoff and moves on right away
	assert.Assert(t, env.rebuildAll(t) == 10)
	assert.Assert(t, dirtyRegions(t, env, rgMapID, 1) == 0)

	env.orch.Tick(env.now)
	assert.Assert(t, !dctest.RebuildMap(t, env.store, rgMapID).Positions[1].RebuildLogging)
	assert.Assert(t, len(env.orch.retries) == 0)
}

func TestRebuildBackoffIsCapped(t *testing.T) {
	assert.Assert(t, rebuildRetry{failures: 1}.backoff() == 5*time.Second)
	assert.Assert(t, rebuildRetry{failures: 3}.backoff() == 20*time.Second)
	assert.Assert(t, rebuildRetry{failures: 50}.backoff() == 10*time.Minute)
}

func dirtyRegions(t *testing.T, env *testEnv, mapID dctypes.RebuildMapID, pos int) int {
	t.Helper()

	count, err := env.coord.DirtyRegions(dctest.RebuildMap(t, env.store, mapID), pos)
	assert.Assert(t, err == nil)
	return count
}
