// Single goroutine that owns the copy engine: events from the outside world are posted to
// it and periodic sweeps run on cron schedules, so the engine itself needs no locking
package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/robfig/cron/v3"
)

var ErrStopped = errors.New("scheduler stopped")

type SweepLastRun struct {
	Started  time.Time
	Finished time.Time
}

type SweepFn func(now time.Time)

type Sweep struct {
	Spec     SweepSpec
	Run      SweepFn
	Schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ValidateSpec(spec SweepSpec) (cron.Schedule, error) {
	return cronParser.Parse(spec.Schedule)
}

func NewSweep(spec SweepSpec, run SweepFn, now time.Time) (*Sweep, error) {
	schedule, err := ValidateSpec(spec)
	if err != nil {
		return nil, err
	}

	if spec.NextRun.IsZero() {
		spec.NextRun = schedule.Next(now)
	}

	return &Sweep{
		Spec:     spec,
		Run:      run,
		Schedule: schedule,
	}, nil
}

type SweepSpec struct {
	ID          string
	Description string
	NextRun     time.Time
	Schedule    string
	Runs        int
	LastRun     *SweepLastRun
}

type snapshotRequest struct {
	result chan []SweepSpec
}

type Controller struct {
	events          chan func(now time.Time)
	snapshotRequest chan *snapshotRequest
	triggerRequest  chan string
	stopped         chan struct{}
	logl            *logex.Leveled
}

func New(
	sweeps []*Sweep,
	logger *log.Logger,
	start func(func(context.Context) error),
) *Controller {
	c := &Controller{
		events:          make(chan func(now time.Time), 1024),
		snapshotRequest: make(chan *snapshotRequest),
		triggerRequest:  make(chan string),
		stopped:         make(chan struct{}),
		logl:            logex.Levels(logger),
	}

	start(func(ctx context.Context) error {
		defer close(c.stopped)

		return c.run(ctx, sweeps)
	})

	return c
}

// runs fn in the scheduler goroutine without waiting for it
func (s *Controller) Post(fn func(now time.Time)) {
	select {
	case s.events <- fn:
	case <-s.stopped:
	}
}

// runs fn in the scheduler goroutine and waits for its result
func (s *Controller) Do(ctx context.Context, fn func(now time.Time) error) error {
	result := make(chan error, 1)

	select {
	case s.events <- func(now time.Time) { result <- fn(now) }:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runs a sweep right away, ahead of its schedule
func (s *Controller) Trigger(sweepID string) {
	select {
	case s.triggerRequest <- sweepID:
	case <-s.stopped:
	}
}

// gets an atomic snapshot of scheduler's internal state
func (s *Controller) Snapshot() []SweepSpec {
	result := make(chan []SweepSpec, 1)

	select {
	case s.snapshotRequest <- &snapshotRequest{result}:
		return <-result
	case <-s.stopped:
		return nil
	}
}

// the core of the scheduler runs single-threaded. everything that touches the engine is
// funneled here through channels
func (s *Controller) run(ctx context.Context, sweeps []*Sweep) error {
	nextEarliestCh := func() <-chan time.Time {
		if len(sweeps) == 0 {
			return nil // channel that blocks forever
		}

		earliest := sweeps[0].Spec.NextRun
		for _, sweep := range sweeps {
			if sweep.Spec.NextRun.Before(earliest) {
				earliest = sweep.Spec.NextRun
			}
		}

		return time.After(time.Until(earliest))
	}

	makeSnapshot := func() []SweepSpec {
		copies := []SweepSpec{}

		for _, sweep := range sweeps {
			copies = append(copies, copySweepSpec(sweep.Spec))
		}

		return copies
	}

	nextSweepBecomesRunnableCh := nextEarliestCh()

	for {
		// give priority to stop signal
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		select {
		case now := <-nextSweepBecomesRunnableCh:
			for _, sweep := range sweeps {
				if !sweep.Spec.NextRun.After(now) {
					s.runSweep(sweep, false)
				}
			}

			nextSweepBecomesRunnableCh = nextEarliestCh()
		case fn := <-s.events:
			fn(time.Now())
		case snapshotReq := <-s.snapshotRequest:
			snapshotReq.result <- makeSnapshot()
		case sweepID := <-s.triggerRequest:
			found := false
			for _, sweep := range sweeps {
				if sweep.Spec.ID == sweepID {
					s.runSweep(sweep, true)
					found = true
					break
				}
			}

			if !found {
				s.logl.Error.Printf("Trigger: unknown sweep %s", sweepID)
			}
		case <-ctx.Done():
			return nil // stops scheduler
		}
	}
}

func (s *Controller) runSweep(sweep *Sweep, triggered bool) {
	if !triggered {
		sweep.Spec.NextRun = sweep.Schedule.Next(sweep.Spec.NextRun)

		// we fell behind (e.g. a long sweep). don't run the missed ones back-to-back
		if now := time.Now(); sweep.Spec.NextRun.Before(now) {
			sweep.Spec.NextRun = sweep.Schedule.Next(now)
		}
	}

	started := time.Now()

	sweep.Run(started)

	sweep.Spec.Runs++
	sweep.Spec.LastRun = &SweepLastRun{
		Started:  started,
		Finished: time.Now(),
	}

	if duration := sweep.Spec.LastRun.Finished.Sub(started); duration > time.Second {
		s.logl.Info.Printf("sweep %s took %s", sweep.Spec.Description, duration)
	}
}

func copySweepSpec(copied SweepSpec) SweepSpec {
	if copied.LastRun != nil {
		lastRunCopied := *copied.LastRun

		copied.LastRun = &lastRunCopied
	}

	return copied
}
