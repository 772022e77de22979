package worker

import (
	"encoding/base64"
	"os"
	"sync"
	"unicode/utf8"

	"testplane/internal/ipc"
)

// capture intercepts the process stdout and stderr, associates every
// write with the currently executing test and forwards it as stdOut and
// stdErr events. Fragment order is preserved per stream.
type capture struct {
	conn *ipc.Conn

	mu      sync.Mutex
	current string

	origStdout *os.File
	origStderr *os.File
	stdoutW    *os.File
	stderrW    *os.File
	wg         sync.WaitGroup
}

// startCapture swaps os.Stdout and os.Stderr for pipes and starts the
// forwarding pumps. Writes that go straight to the original file
// descriptors bypass the capture.
func startCapture(conn *ipc.Conn) (*capture, error) {
	c := &capture{conn: conn, origStdout: os.Stdout, origStderr: os.Stderr}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}
	c.stdoutW = outW
	c.stderrW = errW
	os.Stdout = outW
	os.Stderr = errW

	c.wg.Add(2)
	go c.pump(outR, ipc.MsgStdOut)
	go c.pump(errR, ipc.MsgStdErr)
	return c, nil
}

// setCurrent associates subsequent output with the given test id. An
// empty id marks output as outside any test.
func (c *capture) setCurrent(testID string) {
	c.mu.Lock()
	c.current = testID
	c.mu.Unlock()
}

func (c *capture) pump(r *os.File, t ipc.MessageType) {
	defer c.wg.Done()
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.mu.Lock()
			testID := c.current
			c.mu.Unlock()
			payload := ipc.OutputPayload{TestID: testID}
			if utf8.Valid(buf[:n]) {
				payload.Text = string(buf[:n])
			} else {
				payload.Buffer = base64.StdEncoding.EncodeToString(buf[:n])
			}
			c.conn.Send(t, payload)
		}
		if err != nil {
			return
		}
	}
}

// stop restores the original streams and drains the pumps.
func (c *capture) stop() {
	os.Stdout = c.origStdout
	os.Stderr = c.origStderr
	c.stdoutW.Close()
	c.stderrW.Close()
	c.wg.Wait()
}
