// -----------------------------------------------------------------------
// Message envelope and payloads for the IPC bus
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Well-known bus identities. Destination may also be a specific registered
// connection ID for targeted routing.
const (
	IdentityBackend      = "backend"
	IdentityCrawler      = "crawler"
	IdentitySupervisor   = "supervisor"
	DestinationBroadcast = "broadcast"
)

// MessageType selects the processing pipeline for an envelope
type MessageType string

const (
	TypeMessage      MessageType = "message"
	TypeCommand      MessageType = "command"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeStateChange  MessageType = "stateChange"
	TypeSubscription MessageType = "subscription"
)

// Message keys (type "message")
const (
	KeyStatusUpdate         = "statusUpdate"
	KeyJobUpdate            = "jobUpdate"
	KeyJobFailureLogs       = "JOB_FAILURE_LOGS"
	KeyAreaDiscovered       = "AREA_DISCOVERED"
	KeyTokenRefreshRequest  = "TOKEN_REFRESH_REQUEST"
	KeyTokenRefreshResponse = "TOKEN_REFRESH_RESPONSE"
	KeyShutdownNotice       = "shutdown"
)

// Command keys (type "command")
const (
	KeyRegister      = "register"
	KeyStartJob      = "START_JOB"
	KeyPauseCrawler  = "PAUSE_CRAWLER"
	KeyResumeCrawler = "RESUME_CRAWLER"
	KeyGetStatus     = "GET_STATUS"
	KeyShutdown      = "SHUTDOWN"
)

// Heartbeat key (type "heartbeat")
const KeyHeartbeat = "heartbeat"

// Envelope is the outer framing for every bus message
type Envelope struct {
	Origin      string          `json:"origin" validate:"required"`
	Destination string          `json:"destination" validate:"required"`
	Type        MessageType     `json:"type" validate:"required,oneof=message command heartbeat stateChange subscription"`
	Key         string          `json:"key" validate:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   int64           `json:"timestamp"` // ms since epoch
}

var envelopeValidator = validator.New()

// Validate enforces the envelope schema on ingress
func (e *Envelope) Validate() error {
	return envelopeValidator.Struct(e)
}

// DecodePayload unmarshals the payload into the given structure
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s:%s has no payload", e.Type, e.Key)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s:%s payload: %w", e.Type, e.Key, err)
	}
	return nil
}

// NewEnvelope builds an envelope, marshaling the payload. A nil payload
// produces an empty-payload envelope (used by bare commands).
func NewEnvelope(origin, destination string, msgType MessageType, key string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Origin:      origin,
		Destination: destination,
		Type:        msgType,
		Key:         key,
		Timestamp:   time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", key, err)
		}
		env.Payload = data
	}
	return env, nil
}

// RegisterPayload identifies a client connection to the bus server
type RegisterPayload struct {
	ID   string `json:"id"`
	PID  int    `json:"pid"`
	Type string `json:"type"` // "crawler", "supervisor"
}

// HeartbeatPayload is sent periodically in both directions
type HeartbeatPayload struct {
	Timestamp    int64    `json:"timestamp"`
	ActiveJobs   []string `json:"active_jobs,omitempty"`
	SystemStatus string   `json:"system_status,omitempty"`
}

// StatusUpdatePayload reports the crawler's runtime state
type StatusUpdatePayload struct {
	State         string `json:"state"`
	CurrentJobID  string `json:"currentJobId,omitempty"`
	QueueSize     int    `json:"queueSize"`
	LastHeartbeat int64  `json:"lastHeartbeat,omitempty"`
}

// JobUpdateStatus values sent by the crawler in jobUpdate messages
const (
	JobUpdateCompleted = "completed"
	JobUpdateFailed    = "failed"
	JobUpdatePaused    = "paused"
)

// JobUpdatePayload reports a job state transition. Progress doubles as the
// resume state for paused jobs - its afterCursor fields are the checkpoint.
type JobUpdatePayload struct {
	JobID     string                       `json:"jobId"`
	Status    string                       `json:"status"`
	Error     string                       `json:"error,omitempty"`
	Progress  map[string]*DataTypeProgress `json:"progress,omitempty"`
	Timestamp int64                        `json:"timestamp"`
}

// JobFailureLogsPayload carries recent crawler log lines for a failed job
type JobFailureLogsPayload struct {
	JobID string   `json:"jobId"`
	Lines []string `json:"lines"`
}

// DiscoveredArea is one namespace found by a discovery page
type DiscoveredArea struct {
	FullPath string   `json:"fullPath"`
	GitLabID string   `json:"gitlabId,omitempty"`
	Name     string   `json:"name,omitempty"`
	Type     AreaType `json:"type"`
}

// AreaDiscoveredPayload announces namespaces found during pagination.
// Sent on the priority path - discovery messages are never pruned.
type AreaDiscoveredPayload struct {
	JobID string           `json:"jobId"`
	Areas []DiscoveredArea `json:"areas"`
}

// TokenRefreshRequest asks the backend to refresh an OAuth token
type TokenRefreshRequest struct {
	RequestID  string `json:"requestId"`
	ProviderID string `json:"providerId"`
	AccountID  string `json:"accountId"`
	UserID     string `json:"userId,omitempty"`
}

// TokenRefreshResponse answers a TokenRefreshRequest, correlated by RequestID
type TokenRefreshResponse struct {
	RequestID    string `json:"requestId"`
	Success      bool   `json:"success"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // ms since epoch
	ProviderID   string `json:"providerId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TaskCredentials is the credential block of a task descriptor
type TaskCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// TaskOutputConfig tells the crawler where crawled records go
type TaskOutputConfig struct {
	StorageType string `json:"storageType"`
	BasePath    string `json:"basePath"`
	Format      string `json:"format"`
}

// TaskCustomParameters carries optional job scoping and the resume checkpoint
type TaskCustomParameters struct {
	Branch      string          `json:"branch,omitempty"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	ResumeState json.RawMessage `json:"resumeState,omitempty"`
}

// StartJobPayload is the fully-hydrated task descriptor dispatched to a
// crawler. It contains everything needed to execute the job - the crawler
// holds no durable state of its own.
type StartJobPayload struct {
	TaskID           string               `json:"taskId"`
	Command          CrawlCommand         `json:"command"`
	FullPath         string               `json:"fullPath,omitempty"`
	GitLabAPIURL     string               `json:"gitlabApiUrl"`
	Credentials      TaskCredentials      `json:"credentials"`
	ResourceType     string               `json:"resourceType"`
	ResourceID       string               `json:"resourceId,omitempty"`
	DataTypes        []string             `json:"dataTypes"`
	OutputConfig     TaskOutputConfig     `json:"outputConfig"`
	LastProcessedID  string               `json:"lastProcessedId,omitempty"`
	CustomParameters TaskCustomParameters `json:"customParameters"`
	ProviderID       string               `json:"providerId,omitempty"`
	AccountID        string               `json:"accountId,omitempty"`
	UserID           string               `json:"userId,omitempty"`
}
