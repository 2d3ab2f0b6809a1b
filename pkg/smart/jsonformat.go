package smart

type SmartCtlJsonReport struct {
	JsonFormatVersion []int `json:"json_format_version"`
	Device            struct {
		Name     string `json:"name"`
		Protocol string `json:"protocol"` // "ATA" | "NVMe" | "SCSI"
	} `json:"device"`
	ModelName          string `json:"model_name"`
	SerialNumber       string `json:"serial_number"`
	AtaSmartAttributes struct {
		Revision int                 `json:"revision"`
		Table    []AtaSmartAttribute `json:"table"`
	} `json:"ata_smart_attributes"`
	NvmeHealth  *NvmeHealthLog `json:"nvme_smart_health_information_log,omitempty"`
	SmartStatus struct {
		Passed bool `json:"passed"`
	} `json:"smart_status"`
	PowerCycleCount int `json:"power_cycle_count"`
	PowerOnTime     struct {
		Hours int `json:"hours"`
	} `json:"power_on_time"`
	Temperature struct {
		Current int `json:"current"`
	} `json:"temperature"`
}

type AtaSmartAttribute struct {
	Id         int    `json:"id"`
	Name       string `json:"name"`
	Value      int    `json:"value"`
	Worst      int    `json:"worst"`
	Thresh     int    `json:"thresh"`
	WhenFailed string `json:"when_failed"` // "" | "FAILING_NOW" | "In_the_past"
	Flags      struct {
		Prefailure bool `json:"prefailure"`
	} `json:"flags"`
	Raw struct {
		Value  int    `json:"value"`
		String string `json:"string"`
	} `json:"raw"`
}

type NvmeHealthLog struct {
	CriticalWarning int `json:"critical_warning"` // bitmask, 0 = all good
	AvailableSpare  int `json:"available_spare"`
	SpareThreshold  int `json:"available_spare_threshold"`
	PercentageUsed  int `json:"percentage_used"` // of rated endurance, can exceed 100
	MediaErrors     int `json:"media_errors"`
}

func (s *SmartCtlJsonReport) FindSmartAttributeByName(name string) *AtaSmartAttribute {
	for _, item := range s.AtaSmartAttributes.Table {
		if item.Name == name {
			return &item
		}
	}

	return nil
}
