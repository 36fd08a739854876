package models

// ProgressStage labels coarse milestones of one analysis request.
type ProgressStage string

const (
	StageCacheCheck ProgressStage = "cache_check"
	StageQueued     ProgressStage = "queued"
	StagePreparing  ProgressStage = "preparing"
	StageUploading  ProgressStage = "uploading"
	StageRetrying   ProgressStage = "retrying"
	StageParsing    ProgressStage = "parsing"
	StageDone       ProgressStage = "done"
)

// ProgressEvent is an advisory progress report. Percent is non-decreasing
// within one request except when a retry resets to an earlier milestone.
type ProgressEvent struct {
	Stage         ProgressStage `json:"stage"`
	Percent       int           `json:"percent"`
	QueuePosition int           `json:"queuePosition,omitempty"`
	Attempt       int           `json:"attempt,omitempty"`
	MaxAttempts   int           `json:"maxAttempts,omitempty"`
}

// ProgressFunc observes progress events for one request. May be nil.
type ProgressFunc func(ProgressEvent)

// Report invokes f if non-nil. Keeps call sites one-liners.
func (f ProgressFunc) Report(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}
