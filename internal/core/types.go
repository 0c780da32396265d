// internal/core/types.go
package core

import (
	"math"
	"time"
)

// Status is the lowercase snake_case status vocabulary used on the wire.
type Status string

const (
	StatusReady                      Status = "ready"
	StatusRecording                  Status = "recording"
	StatusStopping                   Status = "stopping"
	StatusError                      Status = "error"
	StatusScheduledRecordingAccepted Status = "scheduled_recording_accepted"
	StatusRecordingStopped           Status = "recording_stopped"
	StatusCommandReceived            Status = "command_received"
	StatusTimeNotSynchronized        Status = "time_not_synchronized"
	StatusFileNotFound               Status = "file_not_found"
	StatusUploading                  Status = "uploading"
	StatusUploadQueued               Status = "upload_queued"
	StatusUploadCompleted            Status = "upload_completed"
	StatusUploadFailed               Status = "upload_failed"
)

// UploadStatus is the state of a single UploadItem.
type UploadStatus string

const (
	UploadQueued    UploadStatus = "queued"
	UploadUploading UploadStatus = "uploading"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UploadItem is one entry of the active or failed upload queue.
type UploadItem struct {
	FileName       string       `json:"fileName"`
	FileSize       int64        `json:"fileSize"`
	BytesUploaded  int64        `json:"bytesUploaded"`
	UploadProgress float64      `json:"uploadProgress"`
	UploadSpeed    int64        `json:"uploadSpeed"`
	Status         UploadStatus `json:"status"`
	// UploadURL is the presigned URL, or s3://bucket/key for credentialed
	// uploads. Credentials never appear here.
	UploadURL string  `json:"uploadUrl"`
	Error     *string `json:"error"`
}

// FileMetadata describes one recorded file.
type FileMetadata struct {
	FileName         string  `json:"fileName"`
	FileSize         int64   `json:"fileSize"`
	CreationDate     float64 `json:"creationDate"`
	ModificationDate float64 `json:"modificationDate"`
}

// StatusResponse is the JSON reply to every command except a successful
// GET_VIDEO. Optional scalars are encoded as null, never omitted.
type StatusResponse struct {
	DeviceID          string          `json:"deviceId"`
	Status            Status          `json:"status"`
	Timestamp         float64         `json:"timestamp"`
	BatteryLevel      *float64        `json:"batteryLevel"`
	UploadQueue       []UploadItem    `json:"uploadQueue"`
	FailedUploadQueue []UploadItem    `json:"failedUploadQueue"`
	Message           *string         `json:"message"`
	FileName          *string         `json:"fileName"`
	FileSize          *int64          `json:"fileSize"`
	// Files is only set for LIST_FILES, where an empty store encodes as [].
	Files *[]FileMetadata `json:"files,omitempty"`
}

// ErrorResponse is the short JSON reply sent instead of a binary payload.
type ErrorResponse struct {
	DeviceID  string  `json:"deviceId"`
	Status    Status  `json:"status"`
	Timestamp float64 `json:"timestamp"`
	Message   string  `json:"message"`
}

// FileResponse is the JSON header of a binary transfer.
type FileResponse struct {
	DeviceID string `json:"deviceId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	Status   string `json:"status"`
}

// UnixSeconds converts t to fractional unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// TimeFromUnix converts fractional unix seconds to a time.Time.
func TimeFromUnix(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9)))
}

// Ptr returns a pointer to v. Used for the nullable response fields.
func Ptr[T any](v T) *T { return &v }
