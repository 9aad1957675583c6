package api

import "github.com/kandev/forgeflow/internal/task"

// StopResponse is the body for POST .../tasks/{t}/stop.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// AutomationResponse is the body for GET/PATCH .../automation: the
// workspace's raw policy record plus the controller's resolved enabled flag.
type AutomationResponse struct {
	Enabled bool        `json:"enabled"`
	Policy  task.Policy `json:"policy"`
}

// QueueStatusResponse is the body for POST .../queue/status.
type QueueStatusResponse struct {
	Enabled bool `json:"enabled"`
}

// AttachmentResponse describes a stored attachment after upload.
type AttachmentResponse struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	StoredName string `json:"storedName"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
}
