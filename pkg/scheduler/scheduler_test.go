package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
)

func startScheduler(t *testing.T, sweeps []*Sweep) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return New(sweeps, logex.Discard, func(fn func(context.Context) error) {
		go func() {
			defer close(done)
			_ = fn(ctx)
		}()
	})
}

func TestPostAndDoRunInOrder(t *testing.T) {
	s := startScheduler(t, nil)

	order := []string{} // only touched from the scheduler goroutine

	s.Post(func(time.Time) { order = append(order, "first") })
	s.Post(func(time.Time) { order = append(order, "second") })

	var joined string
	assert.Assert(t, s.Do(context.Background(), func(time.Time) error {
		order = append(order, "third")
		joined = strings.Join(order, ",")
		return nil
	}) == nil)

	assert.EqualString(t, joined, "first,second,third")
}

func TestTriggerRunsSweep(t *testing.T) {
	runs := 0

	sweep, err := NewSweep(SweepSpec{
		ID:          "tick",
		Description: "engine tick",
		Schedule:    "@every 1h",
	}, func(time.Time) { runs++ }, time.Now())
	assert.Assert(t, err == nil)

	s := startScheduler(t, []*Sweep{sweep})

	s.Trigger("tick")
	s.Trigger("tick")
	s.Trigger("nonexistent")

	var observed int
	assert.Assert(t, s.Do(context.Background(), func(time.Time) error {
		observed = runs
		return nil
	}) == nil)
	assert.Assert(t, observed == 2)

	snapshot := s.Snapshot()
	assert.Assert(t, len(snapshot) == 1)
	assert.EqualString(t, snapshot[0].ID, "tick")
	assert.Assert(t, snapshot[0].Runs == 2)
	assert.Assert(t, snapshot[0].LastRun != nil)
	assert.Assert(t, snapshot[0].NextRun.After(time.Now().Add(50*time.Minute)))
}

func TestInvalidSchedule(t *testing.T) {
	_, err := NewSweep(SweepSpec{ID: "bad", Schedule: "every now and then"}, func(time.Time) {}, time.Now())
	assert.Assert(t, err != nil)
}

func TestDoAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	s := New(nil, logex.Discard, func(fn func(context.Context) error) {
		go func() {
			defer close(done)
			_ = fn(ctx)
		}()
	})

	cancel()
	<-done

	err := s.Do(context.Background(), func(time.Time) error { return nil })
	assert.Assert(t, err == ErrStopped)
}
