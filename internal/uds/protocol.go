// Package uds implements Unix domain socket IPC between the baton CLI and
// daemon.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const ProtocolVersion = 1

// DefaultSocketName is the conventional socket filename inside .baton/.
const DefaultSocketName = "daemon.sock"

// MaxFrameSize caps a single frame payload. A stage tool that tries to ship
// a whole transcript through a question context hits this before the daemon
// allocates for it.
const MaxFrameSize = 10 << 20

// Commands understood by the daemon.
const (
	CmdPing            = "ping"
	CmdStatus          = "status"
	CmdSessionStart    = "session_start"
	CmdStageUpdate     = "stage_update"
	CmdSessionComplete = "session_complete"
	CmdSessionFail     = "session_fail"
	CmdQuestions       = "questions"
	CmdAsk             = "ask"
	CmdAnswer          = "answer"
	CmdEvents          = "events"
	CmdMetrics         = "metrics"
	CmdShutdown        = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNoActiveRun      = "NO_ACTIVE_RUN"
	ErrCodeStaleSession     = "STALE_SESSION"
	ErrCodeCapacity         = "CAPACITY_EXCEEDED"
	ErrCodeAskTimeout       = "REQUEST_TIMEOUT"
	ErrCodeUnknownTarget    = "UNKNOWN_TARGET"
)

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// WriteFrame sends v as one frame: a 4-byte big-endian payload length
// followed by the JSON payload. Header and payload go out in a single Write
// so a concurrent reader never sees a bare header.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", len(payload), MaxFrameSize)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and unmarshals it into v.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read frame header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
