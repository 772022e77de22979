// Package ipc implements the parent-worker protocol: length-delimited
// JSON messages over an inherited pipe pair.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"testplane/internal/model"
)

// MessageType discriminates protocol messages.
type MessageType string

// Parent to worker.
const (
	MsgInit MessageType = "init"
	MsgRun  MessageType = "run"
	MsgStop MessageType = "stop"
)

// Worker to parent.
const (
	MsgReady         MessageType = "ready"
	MsgTestBegin     MessageType = "testBegin"
	MsgStdOut        MessageType = "stdOut"
	MsgStdErr        MessageType = "stdErr"
	MsgTestEnd       MessageType = "testEnd"
	MsgDone          MessageType = "done"
	MsgTeardownError MessageType = "teardownError"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// maxFrame bounds a single message so a corrupt length prefix cannot
// allocate unbounded memory.
const maxFrame = 64 << 20

// Conn frames messages over a read/write pair. Send is safe for
// concurrent use; Recv must be called from a single goroutine.
type Conn struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewConn wraps the given streams.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// Send marshals payload and writes one length-delimited frame.
func (c *Conn) Send(t MessageType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	frame, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", t, err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv reads the next frame. It returns io.EOF when the peer closed the
// channel cleanly.
func (c *Conn) Recv() (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrame {
		return Envelope{}, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}

// Decode unmarshals an envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}

// ProjectSnapshot is the loader view of a project a worker needs to load
// files and resolve environments without re-reading configuration.
type ProjectSnapshot struct {
	Name         string            `json:"name"`
	TestDir      string            `json:"testDir"`
	Retries      int               `json:"retries"`
	TimeoutMs    int64             `json:"timeout"`
	OutputDir    string            `json:"outputDir"`
	SnapshotDir  string            `json:"snapshotDir"`
	Use          map[string]string `json:"use,omitempty"`
	Environments []string          `json:"environments,omitempty"`
}

// Loader is the opaque configuration snapshot carried by init.
type Loader struct {
	Project         ProjectSnapshot `json:"project"`
	UpdateSnapshots bool            `json:"updateSnapshots"`
}

// InitPayload is sent once after spawn.
type InitPayload struct {
	WorkerIndex  int      `json:"workerIndex"`
	Loader       Loader   `json:"loader"`
	FixtureFiles []string `json:"fixtureFiles,omitempty"`
}

// TestEntry identifies one test within a run assignment.
type TestEntry struct {
	TestID         string       `json:"testId"`
	Retry          int          `json:"retry"`
	ExpectedStatus model.Status `json:"expectedStatus"`
	Skipped        bool         `json:"skipped"`
	TimeoutMs      int64        `json:"timeout"`
}

// RunPayload assigns a bucket to a worker.
type RunPayload struct {
	File            string          `json:"file"`
	Entries         []TestEntry     `json:"entries"`
	Variation       model.Variation `json:"variation,omitempty"`
	VariationString string          `json:"variationString"`
	RepeatEachIndex int             `json:"repeatEachIndex"`
}

// TestBeginPayload announces that a test attempt started.
type TestBeginPayload struct {
	TestID      string `json:"testId"`
	WorkerIndex int    `json:"workerIndex"`
}

// OutputPayload carries one captured stdout/stderr fragment. TestID is
// empty for output produced outside any test.
type OutputPayload struct {
	TestID string `json:"testId,omitempty"`
	Text   string `json:"text,omitempty"`
	Buffer string `json:"buffer,omitempty"`
}

// TestEndPayload reports one finished attempt.
type TestEndPayload struct {
	TestID         string                 `json:"testId"`
	DurationMs     int64                  `json:"duration"`
	Status         model.Status           `json:"status"`
	Error          *model.SerializedError `json:"error,omitempty"`
	Data           map[string]any         `json:"data,omitempty"`
	ExpectedStatus model.Status           `json:"expectedStatus"`
	Annotations    []model.Annotation     `json:"annotations,omitempty"`
	TimeoutMs      int64                  `json:"timeout"`
}

// DonePayload is the worker's final word on an assignment or its whole
// life. Remaining lists entries it never executed.
type DonePayload struct {
	FailedTestID string                 `json:"failedTestId,omitempty"`
	FatalError   *model.SerializedError `json:"fatalError,omitempty"`
	Remaining    []TestEntry            `json:"remaining,omitempty"`
}

// TeardownErrorPayload surfaces errors from afterAll or environment
// teardown after done was already sent.
type TeardownErrorPayload struct {
	Error model.SerializedError `json:"error"`
}
