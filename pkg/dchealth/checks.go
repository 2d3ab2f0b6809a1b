package dchealth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/function61/drivecopy/pkg/copyjob"
	"github.com/function61/drivecopy/pkg/dctypes"
	"github.com/samber/lo"
)

// root of the health tree: one folder per raid group plus controller ownership
func New(statuses []copyjob.VirtualDriveStatus, owners []dctypes.Ownership) HealthChecker {
	byGroup := lo.GroupBy(statuses, func(status copyjob.VirtualDriveStatus) dctypes.RaidGroupID {
		return status.VirtualDrive.RaidGroup
	})

	groupIDs := lo.Keys(byGroup)
	sort.Slice(groupIDs, func(i, j int) bool { return groupIDs[i] < groupIDs[j] })

	groups := []HealthChecker{}
	for _, rg := range groupIDs {
		members := byGroup[rg]
		sort.Slice(members, func(i, j int) bool {
			return members[i].VirtualDrive.Position < members[j].VirtualDrive.Position
		})

		drives := []HealthChecker{}
		for _, member := range members {
			drives = append(drives, NewVirtualDriveChecker(member))
		}

		groups = append(groups, NewHealthFolder("Raid group "+string(rg), drives...))
	}

	return NewHealthFolder(
		"drivecopy",
		NewHealthFolder("Raid groups", groups...),
		NewOwnershipChecker(groupIDs, owners))
}

func NewVirtualDriveChecker(status copyjob.VirtualDriveStatus) HealthChecker {
	return &virtualDriveChecker{status}
}

type virtualDriveChecker struct {
	status copyjob.VirtualDriveStatus
}

type problem struct {
	status  Status
	details string
}

func (v *virtualDriveChecker) CheckHealth() (*Health, error) {
	vd := v.status.VirtualDrive
	title := fmt.Sprintf("%s (position %d)", vd.ID, vd.Position)

	problems := v.problems()
	if len(problems) == 0 {
		return mkHealth(title, StatusPass, fmt.Sprintf("%s on %s", vd.Mode, vd.SourceDrive()))
	}

	worst := StatusPass
	details := []string{}
	for _, p := range problems {
		if statusWorse(p.status, worst) {
			worst = p.status
		}

		details = append(details, p.details)
	}

	return mkHealth(title, worst, strings.Join(details, "; "))
}

func (v *virtualDriveChecker) problems() []problem {
	status := v.status
	problems := []problem{}

	if status.ParentDegraded {
		problems = append(problems, problem{StatusFail, fmt.Sprintf("Degraded, %d %% in sync", status.ParentProgress)})
	}

	if job := status.Job; job != nil {
		if job.Phase == dctypes.PhaseRollback {
			problems = append(problems, problem{StatusWarn, fmt.Sprintf("Rolling back copy to %s: %s", job.Destination, job.RollbackReason)})
		} else {
			problems = append(problems, problem{StatusWarn, fmt.Sprintf(
				"%s %s -> %s: %d %% (%s)",
				job.Kind,
				job.Source,
				job.Destination,
				status.Percent,
				job.Phase)})
		}
	}

	src, _ := status.VirtualDrive.SourceDestination()
	if src.Valid() {
		source := status.Edges[src]

		switch {
		case source.DriveFault:
			problems = append(problems, problem{StatusFail, fmt.Sprintf("Drive %s faulted", source.Backing)})
		case source.EndOfLife:
			problems = append(problems, problem{StatusWarn, fmt.Sprintf("Drive %s reports end of life", source.Backing)})
		}
	}

	if status.TimeoutErrors {
		problems = append(problems, problem{StatusWarn, "Timeout errors on path, cleared by drive swap"})
	}

	return problems
}

func NewOwnershipChecker(groups []dctypes.RaidGroupID, owners []dctypes.Ownership) HealthChecker {
	ownerOf := lo.KeyBy(owners, func(owner dctypes.Ownership) dctypes.RaidGroupID {
		return owner.RaidGroup
	})

	checks := []HealthChecker{}
	for _, rg := range groups {
		owner, found := ownerOf[rg]
		if !found || owner.Owner == "" {
			checks = append(checks, NewStaticHealthNode(string(rg), StatusFail, "No active controller"))
			continue
		}

		checks = append(checks, NewStaticHealthNode(
			string(rg),
			StatusPass,
			fmt.Sprintf("Active on %s (epoch %d)", owner.Owner, owner.Epoch)))
	}

	return NewHealthFolder("Controllers", checks...)
}
