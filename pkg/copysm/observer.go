package copysm

import (
	"errors"

	"github.com/function61/drivecopy/pkg/dctypes"
)

// named place in the copy lifecycle where an Observer is consulted
type Point string

const (
	PointCheckpoint Point = "checkpoint"
)

func PointState(state dctypes.CopyState) Point {
	return Point("state:" + state.String())
}

func PointPhase(phase dctypes.JobPhase) Point {
	return Point("phase:" + phase.String())
}

type Verdict int

const (
	Proceed   Verdict = iota
	Hold              // step stays pending, re-evaluated later
	FailWrite         // durable write of the step fails
)

// observation / cancellation port. production code runs with NopObserver
type Observer interface {
	Observe(point Point, vd dctypes.VirtualDriveID) Verdict
}

type NopObserver struct{}

func (NopObserver) Observe(Point, dctypes.VirtualDriveID) Verdict {
	return Proceed
}

var (
	ErrWriteFailed = errors.New("durable write failed")
	ErrHeld        = errors.New("step held by observer")
)
