package protocol

import "time"

// RunEvent describes one pipeline run stage transition.
type RunEvent struct {
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRunStage  = "anchor.run.stage"
	SubjectRunFailed = "anchor.run.failed"
)
