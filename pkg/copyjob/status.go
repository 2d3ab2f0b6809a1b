package copyjob

import (
	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/edgetable"
)

type VirtualDriveStatus struct {
	VirtualDrive   dctypes.VirtualDrive
	Job            *dctypes.CopyJob // nil = no copy
	Edges          [2]edgetable.Edge
	Percent        int  // of the copy
	Active         bool // this controller drives the raid group
	ParentDegraded bool
	ParentProgress int // percent of regions in sync on the parent position
	TimeoutErrors  bool
}

func (o *Orchestrator) Status() ([]VirtualDriveStatus, error) {
	statuses := []VirtualDriveStatus{}

	err := o.deps.Store.View(func(q *dcdb.Queries) error {
		vds, err := q.VirtualDrives()
		if err != nil {
			return err
		}

		maps := map[dctypes.RaidGroupID]*dctypes.RebuildMap{}

		for _, vd := range vds {
			parentMap, cached := maps[vd.RaidGroup]
			if !cached {
				parentMap, err = q.RebuildMap(dctypes.RaidGroupMapID(vd.RaidGroup))
				if err != nil {
					return err
				}
				maps[vd.RaidGroup] = parentMap
			}

			status := VirtualDriveStatus{
				VirtualDrive: vd,
				Percent:      vd.PercentCopied(),
				Active:       o.deps.Role.IsActive(vd.RaidGroup),
				TimeoutErrors: o.deps.Coordinator.HasTimeoutErrors(
					dctypes.RaidGroupMapID(vd.RaidGroup),
					vd.Position),
			}

			for _, idx := range []dctypes.EdgeIndex{dctypes.EdgeFirst, dctypes.EdgeSecond} {
				status.Edges[idx] = o.deps.Edges.Edge(vd.ID, idx)
			}

			switch job, err := q.CopyJob(vd.ID); err {
			case nil:
				status.Job = job
			case dcdb.ErrNotFound:
			default:
				return err
			}

			if status.ParentDegraded, err = o.deps.Coordinator.IsDegraded(parentMap, vd.Position); err != nil {
				return err
			}

			if status.ParentProgress, err = o.deps.Coordinator.Progress(parentMap, vd.Position); err != nil {
				return err
			}

			statuses = append(statuses, status)
		}

		return nil
	})

	return statuses, err
}
