package dcserver

import (
	"context"
	"strings"
	"time"

	"github.com/function61/drivecopy/pkg/copyjob"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/smart"
	"github.com/function61/gokit/logex"
	"github.com/prometheus/client_golang/prometheus"
)

type smartTarget struct {
	vd      dctypes.VirtualDriveID
	edge    dctypes.EdgeIndex
	backing dctypes.DriveID
	device  string
}

// feeds end-of-life predictions from SMART into the edge table. the sweep runs in the
// scheduler goroutine but scanning happens outside it, since smartctl can take seconds
type smartWatch struct {
	ctx      context.Context
	devices  map[string]string
	backend  smart.Backend
	statuses func() ([]copyjob.VirtualDriveStatus, error)
	handle   func(ev dctypes.EdgeEvent, now time.Time)
	post     func(fn func(now time.Time))
	failures prometheus.Counter
	logl     *logex.Leveled
	scanning bool // only touched from the scheduler goroutine
}

func (p *smartWatch) sweep(now time.Time) {
	if p.scanning {
		p.logl.Debug.Println("previous scan still running")
		return
	}

	targets, err := p.targets()
	if err != nil {
		p.logl.Error.Printf("targets: %v", err)
		return
	}

	if len(targets) == 0 {
		return
	}

	p.scanning = true

	go func() {
		events := p.scan(targets)

		p.post(func(now time.Time) {
			p.scanning = false

			for _, ev := range events {
				p.handle(ev, now)
			}
		})
	}()
}

// connected edges whose drive has a SMART device configured
func (p *smartWatch) targets() ([]smartTarget, error) {
	statuses, err := p.statuses()
	if err != nil {
		return nil, err
	}

	targets := []smartTarget{}

	for _, status := range statuses {
		for _, edge := range status.Edges {
			if !edge.Connected() || edge.EndOfLife {
				continue
			}

			device, has := p.devices[string(edge.Backing)]
			if !has {
				continue
			}

			targets = append(targets, smartTarget{
				vd:      status.VirtualDrive.ID,
				edge:    edge.Index,
				backing: edge.Backing,
				device:  device,
			})
		}
	}

	return targets, nil
}

// end-of-life is only ever raised here. a drive predicted to fail stays that way until
// it is swapped out of the edge
func (p *smartWatch) scan(targets []smartTarget) []dctypes.EdgeEvent {
	events := []dctypes.EdgeEvent{}

	for _, target := range targets {
		rep, err := smart.Scan(p.ctx, target.device, p.backend)
		if err != nil {
			p.failures.Inc()
			p.logl.Error.Printf("drive %s: %v", target.backing, err)
			continue
		}

		verdict := smart.Assess(rep)
		if !verdict.EndOfLife {
			continue
		}

		p.logl.Info.Printf(
			"drive %s (%s) predicted to fail: %s",
			target.backing,
			target.vd,
			strings.Join(verdict.Reasons, "; "))

		events = append(events, dctypes.EdgeEvent{
			VirtualDrive: target.vd,
			Edge:         target.edge,
			Backing:      target.backing,
			Flag:         dctypes.FlagEndOfLife,
			Set:          true,
		})
	}

	return events
}
