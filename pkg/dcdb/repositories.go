// Encapsulates access to the metadata database
package dcdb

import (
	"github.com/function61/drivecopy/pkg/blorm"
	"github.com/function61/drivecopy/pkg/dctypes"
)

// re-export so not all dcdb-importing packages have to import blorm
var (
	ErrNotFound   = blorm.ErrNotFound
	StopIteration = blorm.StopIteration
)

const (
	recordTypeVirtualDrive = "VirtualDrive"
	recordTypeRaidGroup    = "RaidGroup"
	recordTypeRebuildMap   = "RebuildMap"
	recordTypeCopyJob      = "CopyJob"
	recordTypeOwnership    = "Ownership"
	recordTypeConfig       = "Config"
)

var VirtualDriveRepository = register(recordTypeVirtualDrive, blorm.NewSimpleRepo(
	"virtualdrives",
	func() interface{} { return &dctypes.VirtualDrive{} },
	func(record interface{}) []byte { return []byte(record.(*dctypes.VirtualDrive).ID) }))

var VirtualDrivesByRaidGroupIndex = blorm.NewValueIndex("by_raidgroup", VirtualDriveRepository, func(record interface{}) []byte {
	return []byte(record.(*dctypes.VirtualDrive).RaidGroup)
})

var RaidGroupRepository = register(recordTypeRaidGroup, blorm.NewSimpleRepo(
	"raidgroups",
	func() interface{} { return &dctypes.RaidGroup{} },
	func(record interface{}) []byte { return []byte(record.(*dctypes.RaidGroup).ID) }))

var RebuildMapRepository = register(recordTypeRebuildMap, blorm.NewSimpleRepo(
	"rebuildmaps",
	func() interface{} { return &dctypes.RebuildMap{} },
	func(record interface{}) []byte { return []byte(record.(*dctypes.RebuildMap).ID) }))

var CopyJobRepository = register(recordTypeCopyJob, blorm.NewSimpleRepo(
	"copyjobs",
	func() interface{} { return &dctypes.CopyJob{} },
	func(record interface{}) []byte { return []byte(record.(*dctypes.CopyJob).VirtualDrive) }))

var CopyJobsByRaidGroupIndex = blorm.NewValueIndex("by_raidgroup", CopyJobRepository, func(record interface{}) []byte {
	return []byte(record.(*dctypes.CopyJob).RaidGroup)
})

var OwnershipRepository = register(recordTypeOwnership, blorm.NewSimpleRepo(
	"ownerships",
	func() interface{} { return &dctypes.Ownership{} },
	func(record interface{}) []byte { return []byte(record.(*dctypes.Ownership).RaidGroup) }))

type configValue struct {
	Key   string
	Value string
}

var configRepository = register(recordTypeConfig, blorm.NewSimpleRepo(
	"config",
	func() interface{} { return &configValue{} },
	func(record interface{}) []byte { return []byte(record.(*configValue).Key) }))

func VirtualDriveAppender(slice *[]dctypes.VirtualDrive) func(record interface{}) error {
	return func(record interface{}) error {
		*slice = append(*slice, *record.(*dctypes.VirtualDrive))
		return nil
	}
}

func RaidGroupAppender(slice *[]dctypes.RaidGroup) func(record interface{}) error {
	return func(record interface{}) error {
		*slice = append(*slice, *record.(*dctypes.RaidGroup))
		return nil
	}
}

func CopyJobAppender(slice *[]dctypes.CopyJob) func(record interface{}) error {
	return func(record interface{}) error {
		*slice = append(*slice, *record.(*dctypes.CopyJob))
		return nil
	}
}

func OwnershipAppender(slice *[]dctypes.Ownership) func(record interface{}) error {
	return func(record interface{}) error {
		*slice = append(*slice, *record.(*dctypes.Ownership))
		return nil
	}
}

var RepoByRecordType = map[string]blorm.Repository{}

// register known repo for replication
func register(recordType string, repo *blorm.SimpleRepository) *blorm.SimpleRepository {
	RepoByRecordType[recordType] = repo
	return repo
}

// scope of a record for ownership fencing. "" = not raid group scoped
func raidGroupOf(record interface{}) dctypes.RaidGroupID {
	switch r := record.(type) {
	case *dctypes.VirtualDrive:
		return r.RaidGroup
	case *dctypes.RaidGroup:
		return r.ID
	case *dctypes.RebuildMap:
		return r.RaidGroup
	case *dctypes.CopyJob:
		return r.RaidGroup
	case *dctypes.Ownership:
		return r.RaidGroup
	default:
		return ""
	}
}

// generation of versioned records, 0 for unversioned
func generationOf(record interface{}) uint64 {
	switch r := record.(type) {
	case *dctypes.VirtualDrive:
		return r.Generation
	case *dctypes.RebuildMap:
		return r.Generation
	default:
		return 0
	}
}
