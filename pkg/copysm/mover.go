package copysm

import (
	"github.com/function61/drivecopy/pkg/dctypes"
)

type ChunkRequest struct {
	VirtualDrive dctypes.VirtualDriveID
	Token        uint64 // echoed back in the completion
	From         dctypes.DriveID
	To           dctypes.DriveID
	Start        dctypes.Lba
	Count        dctypes.Lba
	Metadata     bool
}

type ChunkCompletion struct {
	VirtualDrive dctypes.VirtualDriveID
	Token        uint64
	Err          error
	FailedDrive  dctypes.DriveID // which side the error came from
}

type RebuildRequest struct {
	Map      dctypes.RebuildMapID
	Position int
	Region   int
	Drive    dctypes.DriveID // drive being rebuilt
}

type RebuildCompletion struct {
	Map      dctypes.RebuildMapID
	Position int
	Region   int
	Drive    dctypes.DriveID
	Err      error
}

// moves data between drives. calls must not block: completions are reported back
// asynchronously through the scheduler
type Mover interface {
	CopyChunk(req ChunkRequest)
	RebuildRegion(req RebuildRequest)
}
