package usage

type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusBlocked Status = "blocked"
)

// warningRatio is the fraction of the limit at which usage starts warning.
const warningRatio = 0.8

// Threshold describes usage relative to a plan limit.
type Threshold struct {
	Status     Status  `json:"status"`
	Percentage float64 `json:"percentage"`
}

// CheckThreshold classifies current usage against limit. A nil limit means
// unlimited.
func CheckThreshold(current int64, limit *int64) Threshold {
	if limit == nil {
		return Threshold{Status: StatusOK, Percentage: 0}
	}

	var percentage float64
	if *limit > 0 {
		percentage = float64(current) / float64(*limit) * 100
	}

	switch {
	case current >= *limit:
		return Threshold{Status: StatusBlocked, Percentage: percentage}
	case float64(current) >= warningRatio*float64(*limit):
		return Threshold{Status: StatusWarning, Percentage: percentage}
	default:
		return Threshold{Status: StatusOK, Percentage: percentage}
	}
}
