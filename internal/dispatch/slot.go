package dispatch

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"testplane/internal/ipc"
)

type slotState int

const (
	slotUnspawned slotState = iota
	slotInitializing
	slotIdle
	slotAssigned
	slotDead
)

func (s slotState) String() string {
	switch s {
	case slotUnspawned:
		return "unspawned"
	case slotInitializing:
		return "initializing"
	case slotIdle:
		return "idle"
	case slotAssigned:
		return "assigned"
	case slotDead:
		return "dead"
	default:
		return "unknown"
	}
}

// event is one message (or disconnect) from a worker, tagged with the
// slot and the spawn generation it came from. Stale generations are
// dropped so a respawned slot never sees its predecessor's messages.
type event struct {
	slot *slot
	gen  int
	env  ipc.Envelope
	err  error
}

// slot is one position in the worker pool. It owns at most one live
// worker process at a time.
type slot struct {
	index    int
	state    slotState
	gen      int
	procID   string
	affinity string

	cmd     *exec.Cmd
	conn    *ipc.Conn
	parentR *os.File
	parentW *os.File

	job      *job
	begun    map[string]bool
	finished map[string]bool
	inflight string
}

// live reports whether the slot currently owns a running worker.
func (s *slot) live() bool {
	return s.state == slotInitializing || s.state == slotIdle || s.state == slotAssigned
}

// spawn starts a fresh worker process for this slot. The IPC channel
// rides on inherited pipes at fds 3 (parent to worker) and 4 (worker to
// parent) so the child's stdout and stderr stay free for capture.
func (s *slot) spawn(exe string, loader ipc.Loader, events chan<- event, log *slog.Logger) error {
	childR, parentW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create command pipe: %w", err)
	}
	parentR, childW, err := os.Pipe()
	if err != nil {
		parentW.Close()
		childR.Close()
		return fmt.Errorf("create event pipe: %w", err)
	}

	cmd := exec.Command(exe, "worker")
	cmd.ExtraFiles = []*os.File{childR, childW}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		parentW.Close()
		parentR.Close()
		childR.Close()
		childW.Close()
		return fmt.Errorf("spawn worker: %w", err)
	}
	childR.Close()
	childW.Close()

	s.gen++
	s.procID = uuid.NewString()
	s.cmd = cmd
	s.parentR = parentR
	s.parentW = parentW
	s.conn = ipc.NewConn(parentR, parentW)
	s.state = slotInitializing

	log.Debug("worker spawned", "slot", s.index, "pid", cmd.Process.Pid, "proc_id", s.procID)

	if err := s.conn.Send(ipc.MsgInit, ipc.InitPayload{WorkerIndex: s.index, Loader: loader}); err != nil {
		s.kill()
		return fmt.Errorf("send init: %w", err)
	}

	gen := s.gen
	go func() {
		for {
			env, err := s.conn.Recv()
			if err != nil {
				cmd.Wait()
				events <- event{slot: s, gen: gen, err: err}
				return
			}
			events <- event{slot: s, gen: gen, env: env}
		}
	}()
	return nil
}

// assign resets the per-job bookkeeping and sends the run message.
func (s *slot) assign(j *job) error {
	s.job = j
	s.begun = make(map[string]bool, len(j.entries))
	s.finished = make(map[string]bool, len(j.entries))
	s.inflight = ""
	s.state = slotAssigned
	if err := s.conn.Send(ipc.MsgRun, j.runPayload()); err != nil {
		return fmt.Errorf("send run: %w", err)
	}
	return nil
}

// stop asks the worker to finish up and exit. The pump goroutine
// reports the eventual disconnect.
func (s *slot) stop() {
	if s.conn != nil {
		s.conn.Send(ipc.MsgStop, nil)
	}
}

// kill forcefully terminates the worker process and releases the pipes.
func (s *slot) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.closePipes()
	s.state = slotDead
}

func (s *slot) closePipes() {
	if s.parentW != nil {
		s.parentW.Close()
		s.parentW = nil
	}
	if s.parentR != nil {
		s.parentR.Close()
		s.parentR = nil
	}
}

// markDead records a disconnect observed by the pump.
func (s *slot) markDead() {
	s.closePipes()
	s.state = slotDead
	s.cmd = nil
	s.conn = nil
}

// remainingEntries lists the assigned entries that never finished,
// excluding the in-flight test (which gets crash attribution instead).
func (s *slot) remainingEntries() []jobEntry {
	if s.job == nil {
		return nil
	}
	var out []jobEntry
	for _, e := range s.job.entries {
		if s.finished[e.test.ID] || e.test.ID == s.inflight {
			continue
		}
		out = append(out, e)
	}
	return out
}

// graceTimer arms a timer used for shutdown grace windows.
func graceTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		d = 30 * time.Second
	}
	return time.NewTimer(d)
}
