package reporting

// Snapshot is the dashboard metrics view of the calls ledger.
// Field names are part of the dashboard contract.
type Snapshot struct {
	TotalCalls   int `json:"totalCalls"`
	FailedCalls  int `json:"failedCalls"`
	PendingCalls int `json:"pendingCalls"`

	// Duration stats cover rows with a duration only. All zero when none.
	AverageDuration float64 `json:"averageDuration"`
	MaxDuration     int     `json:"maxDuration"`
	MinDuration     int     `json:"minDuration"`

	// ErrorRate is failed/total as a percentage; 0 for an empty ledger.
	ErrorRate float64 `json:"errorRate"`
}
