package dcserver

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/function61/drivecopy/pkg/copyjob"
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/dualsp"
	"github.com/function61/drivecopy/pkg/edgetable"
	"github.com/function61/drivecopy/pkg/logtee"
	"github.com/function61/drivecopy/pkg/rebuildlog"
	"github.com/function61/drivecopy/pkg/scheduler"
	"github.com/function61/drivecopy/pkg/smart"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

const (
	moverParallelism     = 4
	notificationTailSize = 100
)

// one controller: the copy engine, the synchronizer and the scheduler that serializes them
type engine struct {
	conf          *ServerConfigFile
	store         *dcdb.Store
	orch          *copyjob.Orchestrator
	sync          *dualsp.Synchronizer
	sched         *scheduler.Controller
	spares        *staticSparePool
	notifications *notificationSink
	logTail       *logtee.Tail[string]
	metrics       *metricsController
}

// "start" runs a long-lived task until its context is cancelled
func newEngine(
	ctx context.Context,
	scf *ServerConfigFile,
	db *bbolt.DB,
	logTail *logtee.Tail[string],
	logger *log.Logger,
	start func(name string, fn func(context.Context) error),
) (*engine, error) {
	if err := dcdb.Bootstrap(db, scf.Topology(), logex.Prefix("bootstrap", logger)); err != nil {
		return nil, err
	}

	if err := claimDatabase(db, dctypes.ControllerID(scf.ControllerID)); err != nil {
		return nil, err
	}

	eng := &engine{
		conf:    scf,
		store:   dcdb.NewStore(db),
		spares:  newStaticSparePool(scf.Spares),
		logTail: logTail,
		metrics: newMetricsController(),
	}

	if err := eng.store.View(func(q *dcdb.Queries) error {
		inUse, err := q.DrivesInUse()
		if err != nil {
			return err
		}

		eng.spares.MarkInUse(inUse)

		return nil
	}); err != nil {
		return nil, err
	}

	eng.notifications = newNotificationSink(notificationTailSize, eng.metrics, logex.Prefix("notify", logger))

	mover := newFileMover(
		scf.DevicePaths,
		scf.blockSize(),
		moverParallelism,
		eng.metrics.copiedBytes,
		logex.Prefix("mover", logger))

	var link dualsp.Link
	var peerLink *httpLink
	if scf.PeerControllerID != "" {
		peerLink = newHttpLink(scf.PeerURL, func(msg *dualsp.Message, err error) {
			eng.sched.Post(func(time.Time) {
				eng.sync.DeliveryFailed(msg, err)
			})
		}, logex.Prefix("peerlink", logger))

		link = peerLink
	}

	eng.sync = dualsp.New(dualsp.Config{
		Self:  dctypes.ControllerID(scf.ControllerID),
		Peer:  dctypes.ControllerID(scf.PeerControllerID),
		Lease: scf.lease(),
	}, eng.store, link, logex.Prefix("dualsp", logger))

	eng.store.OnCommit(eng.sync.Replicate)

	eng.orch = copyjob.New(copyjob.Config{
		Controller:    dctypes.ControllerID(scf.ControllerID),
		ChunkSize:     scf.chunkSize(),
		ProactiveCopy: scf.ProactiveCopy,
		HotSpareDelay: scf.hotSpareDelay(),
	}, copyjob.Deps{
		Store:       eng.store,
		Edges:       edgetable.New(),
		Coordinator: rebuildlog.New(logex.Prefix("rebuildlog", logger)),
		Mover:       mover,
		Spares:      eng.spares,
		Notifier:    eng.notifications,
		Role:        eng.sync,
	}, logex.Prefix("copyjob", logger))

	tick, err := scheduler.NewSweep(scheduler.SweepSpec{
		ID:          "tick",
		Description: "Engine tick",
		Schedule:    scf.tickSchedule(),
	}, eng.tick, time.Now())
	if err != nil {
		return nil, err
	}

	sweeps := []*scheduler.Sweep{tick}

	if len(scf.SmartDevices) > 0 {
		backend, err := smart.BackendByName(scf.SmartBackend)
		if err != nil {
			return nil, err
		}

		watch := &smartWatch{
			ctx:      ctx,
			devices:  scf.SmartDevices,
			backend:  backend,
			statuses: func() ([]copyjob.VirtualDriveStatus, error) { return eng.orch.Status() },
			handle:   func(ev dctypes.EdgeEvent, now time.Time) { eng.orch.HandleEdgeEvent(ev, now) },
			post:     func(fn func(now time.Time)) { eng.sched.Post(fn) },
			failures: eng.metrics.smartFailures,
			logl:     logex.Levels(logex.Prefix("smart", logger)),
		}

		smartSweep, err := scheduler.NewSweep(scheduler.SweepSpec{
			ID:          "smart",
			Description: "SMART end-of-life scan",
			Schedule:    scf.smartSchedule(),
		}, watch.sweep, time.Now())
		if err != nil {
			return nil, err
		}

		sweeps = append(sweeps, smartSweep)
	}

	eng.sched = scheduler.New(
		sweeps,
		logex.Prefix("scheduler", logger),
		func(fn func(context.Context) error) { start("scheduler", fn) })

	mover.attach(eng.sched.Post, eng.orch)

	if peerLink != nil {
		start("peerlink", peerLink.Task())
	}

	// engine state is only ever touched from the scheduler goroutine
	if err := eng.sched.Do(ctx, func(now time.Time) error {
		if err := eng.sync.Start(eng.orch, now); err != nil {
			return err
		}

		return eng.orch.Start(now)
	}); err != nil {
		return nil, err
	}

	start("metrics", eng.metrics.Task(eng))

	return eng, nil
}

func (e *engine) tick(now time.Time) {
	e.orch.Tick(now)
	e.sync.Heartbeat(now)
	e.sync.CheckFailover(now)
}

// a database is tied to the controller that created it. the peer has its own
func claimDatabase(db *bbolt.DB, self dctypes.ControllerID) error {
	return db.Update(func(tx *bbolt.Tx) error {
		owner, err := dcdb.CfgControllerID.GetOptional(tx)
		if err != nil {
			return err
		}

		switch owner {
		case "":
			return dcdb.CfgControllerID.Set(string(self), tx)
		case string(self):
			return nil
		default:
			return fmt.Errorf("database belongs to controller %s, we are %s", owner, self)
		}
	})
}
