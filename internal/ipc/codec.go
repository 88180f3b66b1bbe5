// -----------------------------------------------------------------------
// Frame codec - newline-delimited JSON over a stream socket
// -----------------------------------------------------------------------

package ipc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/colligohq/colligo/internal/models"
)

const (
	// DefaultMaxMessageSize rejects frames above 1 MiB before parsing.
	// Production deployments raise this to 5 MiB via configuration.
	DefaultMaxMessageSize = 1 << 20

	// FramePrefix is the literal marker used by stdio-framed peers.
	// It is stripped before JSON parsing when present.
	FramePrefix = "IPC_MSG::"

	frameDelimiter = '\n'
)

// Decoder accumulates stream reads and extracts whole envelopes. A single
// read may yield zero or many frames. Parse errors are logged and the bad
// frame dropped; the remainder of the buffer is never discarded.
type Decoder struct {
	buf            bytes.Buffer
	maxMessageSize int
	logger         arbor.ILogger
}

// NewDecoder creates a decoder with the given frame size limit
func NewDecoder(maxMessageSize int, logger arbor.ILogger) *Decoder {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Decoder{
		maxMessageSize: maxMessageSize,
		logger:         logger,
	}
}

// Feed appends a chunk of stream data and returns all complete envelopes
func (d *Decoder) Feed(p []byte) []*models.Envelope {
	d.buf.Write(p)

	var out []*models.Envelope
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, frameDelimiter)
		if idx < 0 {
			// No delimiter yet. A partial frame beyond the size limit can
			// never become valid - drop it rather than grow without bound.
			if d.buf.Len() > d.maxMessageSize {
				d.logger.Error().
					Int("buffered", d.buf.Len()).
					Int("limit", d.maxMessageSize).
					Msg("Unterminated frame exceeds message size limit, discarding buffer")
				d.buf.Reset()
			}
			return out
		}

		line := make([]byte, idx)
		copy(line, data[:idx])
		d.buf.Next(idx + 1)

		if env := d.decodeFrame(line); env != nil {
			out = append(out, env)
		}
	}
}

func (d *Decoder) decodeFrame(line []byte) *models.Envelope {
	line = bytes.TrimSpace(line)
	line = bytes.TrimPrefix(line, []byte(FramePrefix))
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}

	if len(line) > d.maxMessageSize {
		d.logger.Error().
			Int("size", len(line)).
			Int("limit", d.maxMessageSize).
			Msg("Frame exceeds message size limit, dropped")
		return nil
	}

	env, err := unmarshalEnvelope(line)
	if err != nil {
		// Scan forward to the next '{' - the frame may carry leading junk
		// from a stdio peer or a torn write.
		if i := bytes.IndexByte(line, '{'); i > 0 {
			if env2, err2 := unmarshalEnvelope(line[i:]); err2 == nil {
				env = env2
				err = nil
			}
		}
	}
	if err != nil {
		d.logger.Warn().
			Str("kind", string(models.ErrKindMessageParsing)).
			Err(err).
			Msg("Failed to parse frame, dropped")
		return nil
	}

	if err := env.Validate(); err != nil {
		d.logger.Warn().
			Str("kind", string(models.ErrKindMessageValidation)).
			Err(err).
			Msg("Envelope failed schema validation, dropped")
		return nil
	}
	return env
}

func unmarshalEnvelope(data []byte) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// EncodeEnvelope serializes an envelope as one newline-terminated frame
func EncodeEnvelope(env *models.Envelope, maxMessageSize int) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if maxMessageSize > 0 && len(data) > maxMessageSize {
		return nil, fmt.Errorf("envelope %s:%s exceeds message size limit (%d > %d)",
			env.Type, env.Key, len(data), maxMessageSize)
	}
	return append(data, frameDelimiter), nil
}
