package api

import "encoding/json"

// RemoteTask is the task shape served by the control plane. The runner
// adapts it into the local task entity after a successful bind.
type RemoteTask struct {
	ID            string               `json:"id"`
	Source        string               `json:"source"`
	Status        string               `json:"status"`
	Priority      int                  `json:"priority"`
	ConvertParams *RemoteConvertParams `json:"convertParams,omitempty"`
}

// RemoteConvertParams carries the encode settings attached to a task.
// Any field may be absent; the runner fills defaults.
type RemoteConvertParams struct {
	VideoCodec string `json:"videoCodec,omitempty"`
	AudioCodec string `json:"audioCodec,omitempty"`
	Preset     string `json:"preset,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Machine is the registration payload.
type Machine struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	DeviceInfo any    `json:"deviceInfo"`
	Encoder    string `json:"encoder"`
}

// Runner is the control plane's view of this worker, returned by the
// online and heartbeat calls.
type Runner struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

// StorageCredentials is the object-store access block served by
// GET /runner/minio.
type StorageCredentials struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket"`
}

// TaskResult is the terminal success payload.
type TaskResult struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

// TaskFailure is the terminal failure payload.
type TaskFailure struct {
	Message   string            `json:"message"`
	Code      string            `json:"code,omitempty"`
	Command   string            `json:"command,omitempty"`
	Path      string            `json:"path,omitempty"`
	TempFiles map[string]string `json:"tempFiles,omitempty"`
}

// Response envelopes

type onlineResponse struct {
	Runner *Runner `json:"runner"`
}

type heartbeatResponse struct {
	Runner *Runner `json:"runner"`
}

type getTaskResponse struct {
	Task *RemoteTask `json:"task"`
}

type successResponse struct {
	Success bool            `json:"success"`
	Message json.RawMessage `json:"message,omitempty"`
}
