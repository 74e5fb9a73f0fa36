package build

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrBusy is returned when Run is called while a job is already polling.
var ErrBusy = errors.New("build already in progress")

// State is the lifecycle position of a build job.
type State string

const (
	StateIdle       State = "idle"
	StateRequested  State = "requested"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateFailure    State = "failure"
	StateTimedOut   State = "timed-out"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Build option markers.
const (
	OptionCoreBuild  = "CORE_BUILD"
	OptionCloudBuild = "CLOUD_BUILD"
)

// Request is the body submitted to the build service.
type Request struct {
	Target  string   `json:"target"`
	Release string   `json:"release"`
	Options []string `json:"options"`
	Commit  string   `json:"commit,omitempty"`
}

// NewRequest assembles a request. Core builds carry only the core marker;
// cloud builds carry the cloud marker followed by the selected options.
func NewRequest(target, release string, core bool, selected []string) Request {
	req := Request{Target: target, Release: release}
	if core {
		req.Options = []string{OptionCoreBuild}
		return req
	}
	req.Options = append([]string{OptionCloudBuild}, selected...)
	return req
}

// Response is the build service's answer to a submitted request. An empty
// Key means the artifact is prebuilt and can be fetched from URL directly.
type Response struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	File string `json:"file"`
}

// Status is one poll response.
type Status struct {
	Status        string          `json:"status"`
	TimeOut       *int            `json:"timeOut,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// Event is emitted on every state change and poll tick.
type Event struct {
	State    State
	Key      string
	Progress float64
	Message  string
}

// Result is the terminal outcome of a build job.
type Result struct {
	State         State
	RequestID     string
	Key           string
	File          string
	Artifact      []byte
	Configuration json.RawMessage
	LogURL        string
	Cached        bool
	Reason        string
	Elapsed       time.Duration
}
