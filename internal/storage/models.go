package storage

import "time"

// ResultRecord is the one row written per completed request. The engine
// is write-only against this table; readers live upstream.
type ResultRecord struct {
	RequestID    string    `json:"request_id" db:"request_id"`
	Verdict      string    `json:"verdict" db:"verdict"`
	CPUTimeMS    int64     `json:"cpu_time_ms" db:"cpu_time_ms"`
	MemoryPeakKB int64     `json:"memory_peak_kb" db:"memory_peak_kb"`
	WallTimeMS   int64     `json:"wall_time_ms" db:"wall_time_ms"`
	Truncated    bool      `json:"truncated" db:"truncated"`
	ReceivedAt   time.Time `json:"received_at" db:"received_at"`
	FinishedAt   time.Time `json:"finished_at" db:"finished_at"`
}
