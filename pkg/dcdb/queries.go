package dcdb

import (
	"github.com/function61/drivecopy/pkg/dctypes"
	"go.etcd.io/bbolt"
)

type Queries struct {
	tx *bbolt.Tx
}

func Read(tx *bbolt.Tx) *Queries {
	return &Queries{tx}
}

func (d *Queries) VirtualDrive(id dctypes.VirtualDriveID) (*dctypes.VirtualDrive, error) {
	record := &dctypes.VirtualDrive{}
	if err := VirtualDriveRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *Queries) RaidGroup(id dctypes.RaidGroupID) (*dctypes.RaidGroup, error) {
	record := &dctypes.RaidGroup{}
	if err := RaidGroupRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *Queries) RebuildMap(id dctypes.RebuildMapID) (*dctypes.RebuildMap, error) {
	record := &dctypes.RebuildMap{}
	if err := RebuildMapRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

// returns ErrNotFound if the drive has no open job
func (d *Queries) CopyJob(vd dctypes.VirtualDriveID) (*dctypes.CopyJob, error) {
	record := &dctypes.CopyJob{}
	if err := CopyJobRepository.OpenByPrimaryKey([]byte(vd), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

// returns ErrNotFound if nobody has claimed the group yet
func (d *Queries) Ownership(rg dctypes.RaidGroupID) (*dctypes.Ownership, error) {
	record := &dctypes.Ownership{}
	if err := OwnershipRepository.OpenByPrimaryKey([]byte(rg), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *Queries) RaidGroups() ([]dctypes.RaidGroup, error) {
	groups := []dctypes.RaidGroup{}
	if err := RaidGroupRepository.Each(RaidGroupAppender(&groups), d.tx); err != nil {
		return nil, err
	}

	return groups, nil
}

func (d *Queries) VirtualDrives() ([]dctypes.VirtualDrive, error) {
	vds := []dctypes.VirtualDrive{}
	if err := VirtualDriveRepository.Each(VirtualDriveAppender(&vds), d.tx); err != nil {
		return nil, err
	}

	return vds, nil
}

func (d *Queries) VirtualDrivesOfRaidGroup(rg dctypes.RaidGroupID) ([]dctypes.VirtualDrive, error) {
	vds := []dctypes.VirtualDrive{}

	err := VirtualDrivesByRaidGroupIndex.Query([]byte(rg), func(id []byte) error {
		vd, err := d.VirtualDrive(dctypes.VirtualDriveID(id))
		if err != nil {
			return err
		}

		vds = append(vds, *vd)

		return nil
	}, d.tx)

	return vds, err
}

func (d *Queries) CopyJobs() ([]dctypes.CopyJob, error) {
	jobs := []dctypes.CopyJob{}
	if err := CopyJobRepository.Each(CopyJobAppender(&jobs), d.tx); err != nil {
		return nil, err
	}

	return jobs, nil
}

func (d *Queries) CopyJobsOfRaidGroup(rg dctypes.RaidGroupID) ([]dctypes.CopyJob, error) {
	jobs := []dctypes.CopyJob{}

	err := CopyJobsByRaidGroupIndex.Query([]byte(rg), func(id []byte) error {
		job, err := d.CopyJob(dctypes.VirtualDriveID(id))
		if err != nil {
			return err
		}

		jobs = append(jobs, *job)

		return nil
	}, d.tx)

	return jobs, err
}

func (d *Queries) Ownerships() ([]dctypes.Ownership, error) {
	ownerships := []dctypes.Ownership{}
	if err := OwnershipRepository.Each(OwnershipAppender(&ownerships), d.tx); err != nil {
		return nil, err
	}

	return ownerships, nil
}

// drives connected to any virtual drive edge. used to refuse a destination that is already consumed
func (d *Queries) DrivesInUse() (map[dctypes.DriveID]dctypes.VirtualDriveID, error) {
	vds, err := d.VirtualDrives()
	if err != nil {
		return nil, err
	}

	inUse := map[dctypes.DriveID]dctypes.VirtualDriveID{}
	for _, vd := range vds {
		for _, edge := range vd.Edges {
			if edge.Connected() {
				inUse[edge.Backing] = vd.ID
			}
		}
	}

	return inUse, nil
}

func (d *Queries) SparingConfig() (SparingConfig, error) {
	return ReadSparingConfig(d.tx)
}
