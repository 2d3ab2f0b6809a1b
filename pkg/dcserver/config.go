package dcserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/function61/drivecopy/pkg/dcdb"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/function61/drivecopy/pkg/scheduler"
	"github.com/function61/drivecopy/pkg/smart"
	"github.com/function61/gokit/jsonfile"
)

const (
	defaultConfigFile    = "config.json"
	defaultTickSchedule  = "@every 1s"
	defaultListenAddr    = "127.0.0.1:4490"
	defaultChunkBlocks   = 2048
	defaultBlockSize     = 512
	defaultSmartSchedule = "@every 10m"
	defaultHotSpareDelay = 5 * time.Minute
)

type ServerConfigFile struct {
	DbLocation       string            `json:"db_location"`
	ControllerID     string            `json:"controller_id"`
	PeerControllerID string            `json:"peer_controller_id,omitempty"` // "" = single controller
	PeerURL          string            `json:"peer_url,omitempty"`
	ListenAddr       string            `json:"listen_addr,omitempty"`
	TickSchedule     string            `json:"tick_schedule,omitempty"`
	LeaseSeconds     int               `json:"lease_seconds,omitempty"`
	ChunkBlocks      uint64            `json:"chunk_blocks,omitempty"`
	BlockSize        int               `json:"block_size,omitempty"`
	ProactiveCopy    bool              `json:"proactive_copy"`
	HotSpareSeconds  int               `json:"hot_spare_seconds,omitempty"` // 0 = default, negative = never
	RaidGroups       []RaidGroupConfig `json:"raid_groups"`
	Spares           []SpareConfig     `json:"spares"`
	DevicePaths      map[string]string `json:"device_paths"`            // drive id => block device or image file
	SmartDevices     map[string]string `json:"smart_devices,omitempty"` // drive id => device smartctl reads
	SmartSchedule    string            `json:"smart_schedule,omitempty"`
	SmartBackend     string            `json:"smart_backend,omitempty"` // "smartctl" | "docker"
}

type RaidGroupConfig struct {
	ID             string         `json:"id"`
	PreferredOwner string         `json:"preferred_owner"`
	Redundancy     int            `json:"redundancy"`
	RegionBlocks   uint64         `json:"region_blocks"`
	Members        []MemberConfig `json:"members"`
}

type MemberConfig struct {
	VirtualDrive     string `json:"virtual_drive"`
	Drive            string `json:"drive"`
	Capacity         uint64 `json:"capacity"`
	MetadataCapacity uint64 `json:"metadata_capacity"`
}

type SpareConfig struct {
	Drive    string `json:"drive"`
	Capacity uint64 `json:"capacity"`
}

func readServerConfigFile(path string) (*ServerConfigFile, error) {
	scf := &ServerConfigFile{}
	if err := jsonfile.Read(path, &scf, true); err != nil {
		return nil, err
	}

	if err := scf.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return scf, nil
}

func (s *ServerConfigFile) Validate() error {
	if s.DbLocation == "" {
		return errors.New("db_location not set")
	}

	if s.ControllerID == "" {
		return errors.New("controller_id not set")
	}

	if s.PeerControllerID != "" && s.PeerURL == "" {
		return errors.New("peer_controller_id needs peer_url")
	}

	if _, err := scheduler.ValidateSpec(scheduler.SweepSpec{Schedule: s.tickSchedule()}); err != nil {
		return fmt.Errorf("tick_schedule: %w", err)
	}

	if len(s.SmartDevices) > 0 {
		if _, err := smart.BackendByName(s.SmartBackend); err != nil {
			return fmt.Errorf("smart_backend: %w", err)
		}

		if _, err := scheduler.ValidateSpec(scheduler.SweepSpec{Schedule: s.smartSchedule()}); err != nil {
			return fmt.Errorf("smart_schedule: %w", err)
		}
	}

	seen := map[string]bool{}
	for _, rg := range s.RaidGroups {
		if rg.RegionBlocks == 0 {
			return fmt.Errorf("raid group %s: region_blocks not set", rg.ID)
		}

		for _, member := range rg.Members {
			if seen[member.Drive] {
				return fmt.Errorf("drive %s used twice", member.Drive)
			}
			seen[member.Drive] = true
		}
	}

	for _, spare := range s.Spares {
		if seen[spare.Drive] {
			return fmt.Errorf("spare %s is already a raid group member", spare.Drive)
		}
		seen[spare.Drive] = true
	}

	for drive := range s.SmartDevices {
		if !seen[drive] {
			return fmt.Errorf("smart_devices: unknown drive %s", drive)
		}
	}

	return nil
}

func (s *ServerConfigFile) Topology() dcdb.Topology {
	topology := dcdb.Topology{}

	for _, rg := range s.RaidGroups {
		spec := dcdb.RaidGroupSpec{
			ID:             dctypes.RaidGroupID(rg.ID),
			Redundancy:     rg.Redundancy,
			RegionSize:     dctypes.Lba(rg.RegionBlocks),
			PreferredOwner: dctypes.ControllerID(rg.PreferredOwner),
		}

		for _, member := range rg.Members {
			spec.Members = append(spec.Members, dcdb.MemberSpec{
				VirtualDrive:     dctypes.VirtualDriveID(member.VirtualDrive),
				Drive:            dctypes.DriveID(member.Drive),
				Capacity:         dctypes.Lba(member.Capacity),
				MetadataCapacity: dctypes.Lba(member.MetadataCapacity),
			})
		}

		topology.RaidGroups = append(topology.RaidGroups, spec)
	}

	return topology
}

func (s *ServerConfigFile) tickSchedule() string {
	if s.TickSchedule == "" {
		return defaultTickSchedule
	}

	return s.TickSchedule
}

func (s *ServerConfigFile) smartSchedule() string {
	if s.SmartSchedule == "" {
		return defaultSmartSchedule
	}

	return s.SmartSchedule
}

func (s *ServerConfigFile) listenAddr() string {
	if s.ListenAddr == "" {
		return defaultListenAddr
	}

	return s.ListenAddr
}

func (s *ServerConfigFile) lease() time.Duration {
	return time.Duration(s.LeaseSeconds) * time.Second // 0 = synchronizer's default
}

// how long a faulted position waits for its drive to come back before a spare replaces it
func (s *ServerConfigFile) hotSpareDelay() time.Duration {
	switch {
	case s.HotSpareSeconds == 0:
		return defaultHotSpareDelay
	case s.HotSpareSeconds < 0:
		return 0 // disabled
	default:
		return time.Duration(s.HotSpareSeconds) * time.Second
	}
}

func (s *ServerConfigFile) chunkSize() dctypes.Lba {
	if s.ChunkBlocks == 0 {
		return defaultChunkBlocks
	}

	return dctypes.Lba(s.ChunkBlocks)
}

func (s *ServerConfigFile) blockSize() int {
	if s.BlockSize == 0 {
		return defaultBlockSize
	}

	return s.BlockSize
}
