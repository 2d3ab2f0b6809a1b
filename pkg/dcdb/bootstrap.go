package dcdb

import (
	"fmt"
	"log"
	"time"

	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/gokit/logex"
	"go.etcd.io/bbolt"
)

const openLockTimeout = 3 * time.Second

type MemberSpec struct {
	VirtualDrive     dctypes.VirtualDriveID
	Drive            dctypes.DriveID
	Capacity         dctypes.Lba
	MetadataCapacity dctypes.Lba
}

type RaidGroupSpec struct {
	ID             dctypes.RaidGroupID
	Redundancy     int
	RegionSize     dctypes.Lba
	PreferredOwner dctypes.ControllerID
	Members        []MemberSpec
}

type Topology struct {
	RaidGroups []RaidGroupSpec
}

// opens BoltDB database. fails if another process (a running server) holds the lock
func Open(dbLocation string) (*bbolt.DB, error) {
	return bbolt.Open(dbLocation, 0700, &bbolt.Options{Timeout: openLockTimeout})
}

// creates buckets on first run and adds raid groups that the DB does not know yet.
// existing groups are never touched, so both controllers can run this with the same topology
func Bootstrap(db *bbolt.DB, topology Topology, logger *log.Logger) error {
	logl := logex.Levels(logger)

	return db.Update(func(tx *bbolt.Tx) error {
		version, err := ReadSchemaVersion(tx)
		switch {
		case err == errNoSchemaVersion:
			logl.Info.Println("bootstrapping empty database")

			if err := BootstrapRepos(tx); err != nil {
				return err
			}

			if err := WriteSchemaVersion(CurrentSchemaVersion, tx); err != nil {
				return err
			}
		case err != nil:
			return err
		case version != CurrentSchemaVersion:
			return fmt.Errorf("unsupported schema version %d; expected %d", version, CurrentSchemaVersion)
		}

		for _, spec := range topology.RaidGroups {
			if _, err := Read(tx).RaidGroup(spec.ID); err == nil {
				continue // already configured
			} else if err != ErrNotFound {
				return err
			}

			logl.Info.Printf("configuring raid group %s with %d members", spec.ID, len(spec.Members))

			if err := createRaidGroup(spec, tx); err != nil {
				return fmt.Errorf("raid group %s: %w", spec.ID, err)
			}
		}

		return nil
	})
}

func BootstrapRepos(tx *bbolt.Tx) error {
	for _, repo := range RepoByRecordType {
		if err := repo.Bootstrap(tx); err != nil {
			return err
		}
	}

	return nil
}

func createRaidGroup(spec RaidGroupSpec, tx *bbolt.Tx) error {
	if len(spec.Members) == 0 {
		return fmt.Errorf("no members")
	}

	if spec.RegionSize == 0 {
		return fmt.Errorf("region size not set")
	}

	group := &dctypes.RaidGroup{
		ID:             spec.ID,
		Members:        []dctypes.VirtualDriveID{},
		Redundancy:     spec.Redundancy,
		RegionSize:     spec.RegionSize,
		PreferredOwner: spec.PreferredOwner,
	}

	largestMember := dctypes.Lba(0)

	for position, member := range spec.Members {
		group.Members = append(group.Members, member.VirtualDrive)

		if member.Capacity > largestMember {
			largestMember = member.Capacity
		}

		vd := &dctypes.VirtualDrive{
			ID:                 member.VirtualDrive,
			RaidGroup:          spec.ID,
			Position:           position,
			Mode:               dctypes.PassThruPrimary,
			Capacity:           member.Capacity,
			MetadataCapacity:   member.MetadataCapacity,
			Checkpoint:         dctypes.LbaInvalid,
			MetadataCheckpoint: dctypes.LbaInvalid,
			State:              dctypes.StateIdle,
			Generation:         1,
		}
		vd.Edges[dctypes.EdgeFirst] = dctypes.EdgeConnection{
			Backing:  member.Drive,
			Capacity: member.Capacity,
		}

		vdMap := NewRebuildMap(dctypes.VirtualDriveMapID(vd.ID), spec.ID, spec.RegionSize, member.Capacity, 2)

		if err := allOk([]error{
			VirtualDriveRepository.Update(vd, tx),
			RebuildMapRepository.Update(vdMap, tx),
		}); err != nil {
			return err
		}
	}

	groupMap := NewRebuildMap(dctypes.RaidGroupMapID(spec.ID), spec.ID, spec.RegionSize, largestMember, len(spec.Members))

	return allOk([]error{
		RaidGroupRepository.Update(group, tx),
		RebuildMapRepository.Update(groupMap, tx),
	})
}

// all positions clean, rebuild logging off
func NewRebuildMap(
	id dctypes.RebuildMapID,
	rg dctypes.RaidGroupID,
	regionSize dctypes.Lba,
	capacity dctypes.Lba,
	width int,
) *dctypes.RebuildMap {
	regionCount := int((capacity + regionSize - 1) / regionSize)

	positions := make([]dctypes.PositionRebuild, width)
	for i := range positions {
		positions[i].RebuildCheckpoint = dctypes.LbaInvalid
	}

	return &dctypes.RebuildMap{
		ID:          id,
		RaidGroup:   rg,
		RegionSize:  regionSize,
		RegionCount: regionCount,
		Positions:   positions,
		Generation:  1,
	}
}

func allOk(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
