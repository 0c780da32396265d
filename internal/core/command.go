package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// CommandType is the closed set of commands a device accepts.
type CommandType string

const (
	CommandStartRecording CommandType = "START_RECORDING"
	CommandStopRecording  CommandType = "STOP_RECORDING"
	CommandDeviceStatus   CommandType = "DEVICE_STATUS"
	CommandGetVideo       CommandType = "GET_VIDEO"
	CommandHeartbeat      CommandType = "HEARTBEAT"
	CommandListFiles      CommandType = "LIST_FILES"
	CommandUploadToCloud  CommandType = "UPLOAD_TO_CLOUD"
)

var commandTypes = map[CommandType]bool{
	CommandStartRecording: true,
	CommandStopRecording:  true,
	CommandDeviceStatus:   true,
	CommandGetVideo:       true,
	CommandHeartbeat:      true,
	CommandListFiles:      true,
	CommandUploadToCloud:  true,
}

// Valid reports whether t is a known command.
func (t CommandType) Valid() bool { return commandTypes[t] }

// Command is the request envelope.
type Command struct {
	Command            CommandType `json:"command"`
	Timestamp          float64     `json:"timestamp"`
	DeviceID           string      `json:"deviceId,omitempty"`
	FileName           string      `json:"fileName,omitempty"`
	UploadURL          string      `json:"uploadUrl,omitempty"`
	S3Bucket           string      `json:"s3Bucket,omitempty"`
	S3Key              string      `json:"s3Key,omitempty"`
	AWSAccessKeyID     string      `json:"awsAccessKeyId,omitempty"`
	AWSSecretAccessKey string      `json:"awsSecretAccessKey,omitempty"`
	AWSSessionToken    string      `json:"awsSessionToken,omitempty"`
	AWSRegion          string      `json:"awsRegion,omitempty"`
}

// MaxTimestamp is 9999-12-31T23:59:59Z. Larger values overflow time.Time
// arithmetic once converted.
const MaxTimestamp = 253402300799

// ValidationError marks a request rejected before it reaches any component.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// envelope mirrors Command with pointers so missing required fields can be
// told apart from zero values.
type envelope struct {
	Command            *string  `json:"command"`
	Timestamp          *float64 `json:"timestamp"`
	DeviceID           string   `json:"deviceId"`
	FileName           string   `json:"fileName"`
	UploadURL          string   `json:"uploadUrl"`
	S3Bucket           string   `json:"s3Bucket"`
	S3Key              string   `json:"s3Key"`
	AWSAccessKeyID     string   `json:"awsAccessKeyId"`
	AWSSecretAccessKey string   `json:"awsSecretAccessKey"`
	AWSSessionToken    string   `json:"awsSessionToken"`
	AWSRegion          string   `json:"awsRegion"`
}

// ParseCommand decodes and validates a request envelope. Every failure is a
// *ValidationError.
func ParseCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, invalid("malformed JSON: %v", err)
	}
	if env.Command == nil || strings.TrimSpace(*env.Command) == "" {
		return Command{}, invalid("missing required field: command")
	}
	if env.Timestamp == nil {
		return Command{}, invalid("missing required field: timestamp")
	}
	if ts := *env.Timestamp; ts < 0 || ts > MaxTimestamp {
		return Command{}, invalid("timestamp %v out of range [0, %d]", ts, int64(MaxTimestamp))
	}

	cmd := Command{
		Command:            CommandType(*env.Command),
		Timestamp:          *env.Timestamp,
		DeviceID:           env.DeviceID,
		FileName:           env.FileName,
		UploadURL:          env.UploadURL,
		S3Bucket:           env.S3Bucket,
		S3Key:              env.S3Key,
		AWSAccessKeyID:     env.AWSAccessKeyID,
		AWSSecretAccessKey: env.AWSSecretAccessKey,
		AWSSessionToken:    env.AWSSessionToken,
		AWSRegion:          env.AWSRegion,
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Validate checks the per-command required fields.
func (c Command) Validate() error {
	if !c.Command.Valid() {
		return invalid("unknown command: %s", c.Command)
	}
	switch c.Command {
	case CommandGetVideo:
		if strings.TrimSpace(c.FileName) == "" {
			return invalid("fileName required for %s", c.Command)
		}
	case CommandUploadToCloud:
		if strings.TrimSpace(c.FileName) == "" {
			return invalid("fileName required for %s", c.Command)
		}
		if _, err := c.Destination(); err != nil {
			return err
		}
	}
	return nil
}

// Destination extracts the upload target of an UPLOAD_TO_CLOUD command. A
// presigned URL wins over S3 credentials when both are present.
func (c Command) Destination() (Destination, error) {
	if u := strings.TrimSpace(c.UploadURL); u != "" {
		return Destination{URL: u}, nil
	}
	if c.S3Bucket == "" && c.S3Key == "" {
		return Destination{}, invalid("uploadUrl or s3Bucket/s3Key required for %s", CommandUploadToCloud)
	}
	if c.S3Bucket == "" || c.S3Key == "" {
		return Destination{}, invalid("both s3Bucket and s3Key required")
	}
	if c.AWSAccessKeyID == "" || c.AWSSecretAccessKey == "" {
		return Destination{}, invalid("awsAccessKeyId and awsSecretAccessKey required for S3 upload")
	}
	return Destination{
		Bucket:          c.S3Bucket,
		Key:             c.S3Key,
		AccessKeyID:     c.AWSAccessKeyID,
		SecretAccessKey: c.AWSSecretAccessKey,
		SessionToken:    c.AWSSessionToken,
		Region:          c.AWSRegion,
	}, nil
}

// Destination is where an upload goes: a presigned URL or an S3 object
// reached with temporary credentials.
type Destination struct {
	URL string

	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// Presigned reports whether the destination is a presigned URL.
func (d Destination) Presigned() bool { return d.URL != "" }

// String renders the destination without credentials. A presigned URL loses
// its query string, which carries the signature.
func (d Destination) String() string {
	if d.Presigned() {
		if i := strings.IndexByte(d.URL, '?'); i >= 0 {
			return d.URL[:i]
		}
		return d.URL
	}
	return fmt.Sprintf("s3://%s/%s", d.Bucket, strings.TrimPrefix(d.Key, "/"))
}
