package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Validate(t *testing.T) {
	valid := &Envelope{
		Origin:      IdentityCrawler,
		Destination: IdentityBackend,
		Type:        TypeMessage,
		Key:         KeyStatusUpdate,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		env  Envelope
	}{
		{"missing origin", Envelope{Destination: "b", Type: TypeMessage, Key: "k"}},
		{"missing destination", Envelope{Origin: "a", Type: TypeMessage, Key: "k"}},
		{"missing key", Envelope{Origin: "a", Destination: "b", Type: TypeMessage}},
		{"unknown type", Envelope{Origin: "a", Destination: "b", Type: "bogus", Key: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.env.Validate())
		})
	}
}

func TestNewEnvelope_PayloadRoundtrip(t *testing.T) {
	env, err := NewEnvelope(IdentityCrawler, IdentityBackend, TypeMessage, KeyJobUpdate,
		JobUpdatePayload{
			JobID:  "job_1",
			Status: JobUpdatePaused,
			Progress: map[string]*DataTypeProgress{
				"issues": {AfterCursor: "c1", Fetched: 100},
			},
		})
	require.NoError(t, err)
	assert.NotZero(t, env.Timestamp)

	var update JobUpdatePayload
	require.NoError(t, env.DecodePayload(&update))
	assert.Equal(t, "job_1", update.JobID)
	assert.Equal(t, JobUpdatePaused, update.Status)
	assert.Equal(t, "c1", update.Progress["issues"].AfterCursor)
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(IdentitySupervisor, IdentityBackend, TypeCommand, KeyPauseCrawler, nil)
	require.NoError(t, err)
	assert.Empty(t, env.Payload)

	var anything map[string]json.RawMessage
	assert.Error(t, env.DecodePayload(&anything), "empty payload cannot be decoded")
}

func TestEnvelope_WireFormat(t *testing.T) {
	env, err := NewEnvelope(IdentityBackend, IdentityCrawler, TypeCommand, KeyStartJob,
		StartJobPayload{TaskID: "job_7"})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, field := range []string{"origin", "destination", "type", "key", "payload", "timestamp"} {
		assert.Contains(t, raw, field)
	}
}
