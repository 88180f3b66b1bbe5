package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewRequestID generates a correlation ID for token refresh round-trips
func NewRequestID() string {
	return "req_" + uuid.New().String()
}

// NewConnectionID generates a unique bus connection ID
func NewConnectionID() string {
	return "conn_" + uuid.New().String()
}

// NewCrawlerID generates a default crawler identity when none is configured
func NewCrawlerID() string {
	return "crawler_" + uuid.New().String()
}
