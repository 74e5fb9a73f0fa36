package store

import "time"

// BuildRecord captures one cloud build request.
type BuildRecord struct {
	Target    string    `json:"target"`
	Release   string    `json:"release"`
	RequestID string    `json:"request_id"`
	JobKey    string    `json:"job_key,omitempty"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Duration  string    `json:"duration"`
}

// FlashRecord captures one attempt to flash a device.
type FlashRecord struct {
	Target    string    `json:"target"`
	Version   string    `json:"version"`
	Method    string    `json:"method"`
	Port      string    `json:"port,omitempty"`
	FullErase bool      `json:"full_erase,omitempty"`
	Forced    bool      `json:"forced,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Duration  string    `json:"duration"`
	Error     string    `json:"error,omitempty"`
}

// DownloadRecord captures a firmware file saved for local flashing.
type DownloadRecord struct {
	Target    string    `json:"target"`
	Version   string    `json:"version"`
	Path      string    `json:"path"`
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is one line of merged history.
type Entry struct {
	Kind      string
	Target    string
	Detail    string
	Success   bool
	Timestamp time.Time
}
