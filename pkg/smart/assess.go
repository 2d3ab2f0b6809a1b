package smart

import (
	"fmt"
)

// endurance used, in percent, from which an NVMe drive is considered worn out
const nvmeWornOutPercentageUsed = 100

// verdict of one report. end-of-life is a prediction: the drive still works but should be
// copied away from before it fails
type Assessment struct {
	EndOfLife bool
	Reasons   []string
}

func Assess(rep *SmartCtlJsonReport) Assessment {
	verdict := Assessment{}

	endOfLife := func(format string, args ...interface{}) {
		verdict.EndOfLife = true
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf(format, args...))
	}

	if !rep.SmartStatus.Passed {
		endOfLife("overall health self-assessment failed")
	}

	for _, attr := range rep.AtaSmartAttributes.Table {
		if attr.Flags.Prefailure && attr.WhenFailed == "FAILING_NOW" {
			endOfLife("%s failing now (value %d, threshold %d)", attr.Name, attr.Value, attr.Thresh)
		}
	}

	if nvme := rep.NvmeHealth; nvme != nil {
		if nvme.CriticalWarning != 0 {
			endOfLife("critical warning 0x%02x", nvme.CriticalWarning)
		}

		if nvme.SpareThreshold > 0 && nvme.AvailableSpare < nvme.SpareThreshold {
			endOfLife("available spare %d %% below threshold %d %%", nvme.AvailableSpare, nvme.SpareThreshold)
		}

		if nvme.PercentageUsed >= nvmeWornOutPercentageUsed {
			endOfLife("%d %% of rated endurance used", nvme.PercentageUsed)
		}
	}

	return verdict
}
