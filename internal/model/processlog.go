package model

import "time"

// ProcessKind distinguishes upload and download runs in the process log.
type ProcessKind string

const (
	ProcessUpload   ProcessKind = "upload"
	ProcessDownload ProcessKind = "download"
)

// ProcessResult is the final state of a logged run. NoData marks a run that
// completed without error but touched zero data rows; an empty file is not
// a failure, but it is not progress either.
type ProcessResult string

const (
	ResultSuccess ProcessResult = "success"
	ResultFailure ProcessResult = "failure"
	ResultNoData  ProcessResult = "no_data"
	ResultRunning ProcessResult = "running"
)

// ProcessEntry is one row of the process log. Every upload/download run
// persists exactly one entry regardless of outcome, so failed attempts stay
// discoverable.
type ProcessEntry struct {
	ProcessID   string        `json:"process_id"`
	Kind        ProcessKind   `json:"kind"`
	Result      ProcessResult `json:"result"`
	AppName     string        `json:"app_name"`
	Principal   string        `json:"principal"`
	ClientIP    string        `json:"client_ip,omitempty"`
	FileName    string        `json:"file_name,omitempty"`
	TotalLines  int64         `json:"total_lines"`
	Comment     string        `json:"comment,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}
