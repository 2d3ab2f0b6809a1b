package copyjob

import (
	"fmt"
	"time"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
)

// permanently replaces drives that faulted and did not come back within HotSpareDelay. the
// spare starts out fully dirty and ordinary rebuild fills it in from the rest of the group
func (o *Orchestrator) swapInHotSpares(rg *dctypes.RaidGroup, now time.Time) {
	if o.conf.HotSpareDelay <= 0 {
		return
	}

	for _, member := range rg.Members {
		if _, copying := o.jobs[member]; copying { // the copy decides what happens to the drive
			delete(o.faulted, member)
			continue
		}

		src, _ := o.deps.Edges.GetSourceDestination(member)
		if !src.Valid() {
			continue
		}

		edge := o.deps.Edges.Edge(member, src)
		if !edge.Connected() || !(edge.DriveFault || edge.EffectivePathState() == dctypes.PathBroken) {
			delete(o.faulted, member)
			continue
		}

		since, seen := o.faulted[member]
		if !seen {
			o.faulted[member] = now
			continue
		}

		if now.Sub(since) < o.conf.HotSpareDelay {
			continue
		}

		if err := o.swapInHotSpare(rg, member, src, edge.Backing); err != nil {
			o.logl.Error.Printf("swapInHotSpare %s: %v", member, err)
		}
	}
}

func (o *Orchestrator) swapInHotSpare(
	rg *dctypes.RaidGroup,
	member dctypes.VirtualDriveID,
	src dctypes.EdgeIndex,
	failed dctypes.DriveID,
) error {
	vd, err := o.readVirtualDrive(member)
	if err != nil {
		return err
	}

	if vd.State != dctypes.StateIdle {
		return nil
	}

	rgMapID := dctypes.RaidGroupMapID(rg.ID)

	rebuildable, err := o.rebuildableWithout(rg, rgMapID, vd.Position)
	if err != nil {
		return err
	}

	if !rebuildable {
		o.logl.Debug.Printf("%s: too many degraded positions to rebuild %s", rg.ID, member)
		return nil
	}

	spare, found := o.deps.Spares.Select(vd.Capacity + vd.MetadataCapacity)
	if !found {
		o.logl.Debug.Printf("%s: no spare to replace %s", member, failed)
		return nil
	}

	if err := o.deps.Store.Update(func(tx *dcdb.Tx) error {
		inUse, err := tx.Read().DrivesInUse()
		if err != nil {
			return err
		}

		jobs, err := tx.Read().CopyJobs()
		if err != nil {
			return err
		}

		for _, job := range jobs {
			inUse[job.Destination] = job.VirtualDrive
		}

		if owner, used := inUse[spare.Drive]; used {
			return fmt.Errorf("spare %s is used by %s", spare.Drive, owner)
		}

		current, err := tx.Read().VirtualDrive(member)
		if err != nil {
			return err
		}

		if current.Edges[src].Backing != failed {
			return fmt.Errorf("edge %d no longer backed by %s", src, failed)
		}

		current.Edges[src] = dctypes.EdgeConnection{
			Backing:  spare.Drive,
			Capacity: spare.Capacity,
		}

		if err := tx.SaveVirtualDrive(current); err != nil {
			return err
		}

		// nothing on the spare is in sync
		return o.deps.Coordinator.EdgeConnected(tx, rgMapID, current.Position, false)
	}); err != nil {
		return err
	}

	o.deps.Spares.Consume(spare.Drive)

	o.deps.Edges.Disconnect(member, src)
	o.deps.Edges.Connect(member, src, spare.Drive, spare.Capacity)

	o.deps.Coordinator.OnSwapComplete(rgMapID, vd.Position, failed)

	delete(o.faulted, member)

	o.notify(dctypes.Notification{
		Code:         dctypes.EventHotSpareSwapped,
		OldLocation:  failed,
		NewLocation:  spare.Drive,
		VirtualDrive: member,
		Reason:       dctypes.ReasonSourceFailed,
	})

	return nil
}

// the rest of the group can still reconstruct the position
func (o *Orchestrator) rebuildableWithout(rg *dctypes.RaidGroup, mapID dctypes.RebuildMapID, pos int) (bool, error) {
	var m *dctypes.RebuildMap
	if err := o.deps.Store.View(func(q *dcdb.Queries) error {
		var err error
		m, err = q.RebuildMap(mapID)
		return err
	}); err != nil {
		return false, err
	}

	degradedOthers := 0
	for other := range m.Positions {
		if other == pos {
			continue
		}

		degraded, err := o.deps.Coordinator.IsDegraded(m, other)
		if err != nil {
			return false, err
		}

		if degraded {
			degradedOthers++
		}
	}

	return degradedOthers < rg.Redundancy, nil
}

// the passive controller's fault timers would be stale by the time it becomes active
func (o *Orchestrator) forgetFaults(rg *dctypes.RaidGroup) {
	for _, member := range rg.Members {
		delete(o.faulted, member)
	}
}
