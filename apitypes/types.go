// Package apitypes provides API request and response types for the MediaKeep HTTP API.
package apitypes

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitRequest is the body for submitting a new download job.
type SubmitRequest struct {
	OwnerID   int64  `json:"owner_id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Source    string `json:"source"`

	// DestinationRoot overrides the library root chosen by the server.
	DestinationRoot string `json:"destination_root,omitempty"`
}

// Job is the API view of a scheduled job.
type Job struct {
	ID              string  `json:"id"`
	OwnerID         int64   `json:"owner_id"`
	Filename        string  `json:"filename"`
	SizeBytes       int64   `json:"size_bytes"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`
	SpeedBps        int64   `json:"speed_bps"`
	ETASeconds      int64   `json:"eta_seconds"`
	RetryCount      int     `json:"retry_count"`
	FinalPath       string  `json:"final_path,omitempty"`
	Hash            string  `json:"hash,omitempty"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at,omitempty"`
	StartedAt       string  `json:"started_at,omitempty"`
	CompletedAt     string  `json:"completed_at,omitempty"`
}

// CancelResponse reports the outcome of a cancel request.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// CancelAllResponse reports how many jobs were flagged for cancellation.
type CancelAllResponse struct {
	Cancelled int `json:"cancelled"`
}

// QueueStatus summarizes the scheduler.
type QueueStatus struct {
	Active          int `json:"active"`
	QueueDepth      int `json:"queue_depth"`
	WaitingForSpace int `json:"waiting_for_space"`
}

// DiskStatus reports disk usage for a library root.
type DiskStatus struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	UsedBytes  uint64 `json:"used_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	Total      string `json:"total"`
	Used       string `json:"used"`
	Free       string `json:"free"`
}

// StatusResponse is the aggregate daemon status.
type StatusResponse struct {
	Queue QueueStatus  `json:"queue"`
	Disks []DiskStatus `json:"disks"`
}

// HistoryEntry is the API view of a persisted lifecycle record.
type HistoryEntry struct {
	ID           string  `json:"id"`
	OwnerID      int64   `json:"owner_id"`
	Filename     string  `json:"filename"`
	SizeBytes    int64   `json:"size_bytes"`
	Status       string  `json:"status"`
	FinalPath    string  `json:"final_path,omitempty"`
	DurationSecs float64 `json:"duration_secs,omitempty"`
	AvgSpeedBps  int64   `json:"avg_speed_bps,omitempty"`
	Error        string  `json:"error,omitempty"`
	CreatedAt    string  `json:"created_at,omitempty"`
	CompletedAt  string  `json:"completed_at,omitempty"`
}

// StatsResponse aggregates the stored history.
type StatsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status,omitempty"`
	BytesCompleted int64          `json:"bytes_completed"`
	Completed      string         `json:"completed"`
}
