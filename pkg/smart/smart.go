// Reads drive health from smartctl's JSON output
package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// produces smartctl's "--json --all" output for a device
type Backend func(ctx context.Context, device string) ([]byte, error)

func BackendByName(name string) (Backend, error) {
	switch name {
	case "", "smartctl":
		return SmartCtlBackend, nil
	case "docker":
		return SmartCtlDockerBackend, nil
	default:
		return nil, fmt.Errorf("unknown SMART backend: %s", name)
	}
}

func Scan(ctx context.Context, device string, back Backend) (*SmartCtlJsonReport, error) {
	smartCtlOutput, err := back(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("%s: %v, output: %s", device, err, smartCtlOutput)
	}

	return parseSmartCtlJsonReport(smartCtlOutput)
}

func SmartCtlBackend(ctx context.Context, device string) ([]byte, error) {
	stdout, err := exec.CommandContext(ctx, "smartctl", "--json", "--all", device).Output()

	return stdout, silenceSmartCtlAutomationHostileErrors(err)
}

// for hosts without smartmontools. image is alpine + "apk add smartmontools"
func SmartCtlDockerBackend(ctx context.Context, device string) ([]byte, error) {
	// disks in /dev are visible with --privileged but /dev/disk/by-uuid et al. are not
	stdout, err := exec.CommandContext(
		ctx,
		"docker", "run",
		"--rm",
		"--privileged",
		"-v", "/dev:/dev:ro",
		"joonas/smartmontools:20191015",
		"smartctl",
		"--json",
		"--all",
		device,
	).Output()

	return stdout, silenceSmartCtlAutomationHostileErrors(err)
}

func parseSmartCtlJsonReport(reportJson []byte) (*SmartCtlJsonReport, error) {
	rep := &SmartCtlJsonReport{}

	if err := json.Unmarshal(reportJson, rep); err != nil {
		return nil, err
	}

	if len(rep.JsonFormatVersion) < 2 || rep.JsonFormatVersion[0] != 1 {
		return nil, errors.New("invalid json_format_version")
	}

	return rep, nil
}

// smartctl's exit status is a bitmask. bits 3-7 report the drive's condition, which we read
// from the report instead. https://sourceforge.net/p/smartmontools/mailman/message/7330895/
func silenceSmartCtlAutomationHostileErrors(err error) error {
	var exitError *exec.ExitError
	if errors.As(err, &exitError) && exitError.ExitCode()&^0xf8 == 0 {
		return nil
	}

	return err
}
