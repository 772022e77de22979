// Package worker implements the runtime inside each child process: it
// loads test files, walks the suite tree with correct hook scoping,
// races user code against deadlines, classifies outcomes and streams
// events back to the dispatcher.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"testplane/internal/ipc"
	"testplane/internal/logger"
	"testplane/internal/model"
	"testplane/pkg/testapi"
)

// escapeAfter bounds teardown on shutdown. The process exits even if an
// afterAll or environment teardown hangs.
const escapeAfter = 30 * time.Second

// Main is the entry point of the hidden worker subcommand. It attaches
// to the IPC pipes inherited at fds 3 and 4 and serves assignments
// until stop or disconnect. The returned code is the process exit code.
func Main(ctx context.Context, log *slog.Logger) int {
	cmdR := os.NewFile(3, "testplane-ipc-in")
	evW := os.NewFile(4, "testplane-ipc-out")
	if cmdR == nil || evW == nil {
		log.Error("worker started without ipc pipes")
		return 1
	}
	conn := ipc.NewConn(cmdR, evW)
	w := &Worker{conn: conn, log: log}
	if err := w.Run(ctx); err != nil {
		log.Error("worker failed", "error", err)
		return 1
	}
	return 0
}

// Worker serves one dispatcher connection. Single-threaded: assignments
// run one after another and never overlap.
type Worker struct {
	conn *ipc.Conn
	log  *slog.Logger

	index           int
	project         *model.Project
	updateSnapshots bool
	envs            []testapi.Environment
	capture         *capture

	workerInfo *model.WorkerInfo
	envStarted bool
	envFailed  *model.SerializedError

	fileSuites map[string]*model.FileSuite
}

// Run processes init, then run assignments, until stop or disconnect.
func (w *Worker) Run(ctx context.Context) error {
	env, err := w.conn.Recv()
	if err != nil {
		return fmt.Errorf("receive init: %w", err)
	}
	if env.Type != ipc.MsgInit {
		return fmt.Errorf("expected init, got %s", env.Type)
	}
	init, err := ipc.Decode[ipc.InitPayload](env)
	if err != nil {
		return err
	}
	if err := w.init(init); err != nil {
		return err
	}

	cap, err := startCapture(w.conn)
	if err != nil {
		return fmt.Errorf("start output capture: %w", err)
	}
	w.capture = cap

	if err := w.conn.Send(ipc.MsgReady, nil); err != nil {
		return err
	}

	stopping := false
	for !stopping {
		env, err := w.conn.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			w.teardown()
			return fmt.Errorf("receive: %w", err)
		}
		switch env.Type {
		case ipc.MsgRun:
			payload, err := ipc.Decode[ipc.RunPayload](env)
			if err != nil {
				w.teardown()
				return err
			}
			done := w.runBucket(ctx, payload)
			if sendErr := w.conn.Send(ipc.MsgDone, done); sendErr != nil {
				w.teardown()
				return sendErr
			}
			// A failed or fatally errored assignment ends this
			// process; the dispatcher reschedules the remainder on a
			// fresh worker.
			if done.FailedTestID != "" || done.FatalError != nil {
				stopping = true
			}
		case ipc.MsgStop:
			w.conn.Send(ipc.MsgDone, ipc.DonePayload{})
			stopping = true
		default:
			w.teardown()
			return fmt.Errorf("unexpected message %s", env.Type)
		}
	}

	w.teardown()
	return nil
}

func (w *Worker) init(payload ipc.InitPayload) error {
	p := payload.Loader.Project
	w.index = payload.WorkerIndex
	w.updateSnapshots = payload.Loader.UpdateSnapshots
	w.project = &model.Project{
		Name:         p.Name,
		TestDir:      p.TestDir,
		Retries:      p.Retries,
		Timeout:      time.Duration(p.TimeoutMs) * time.Millisecond,
		OutputDir:    p.OutputDir,
		SnapshotDir:  p.SnapshotDir,
		Use:          p.Use,
		Environments: p.Environments,
	}
	envs, err := testapi.Environments(p.Environments)
	if err != nil {
		return fmt.Errorf("resolve environments: %w", err)
	}
	w.envs = envs
	w.fileSuites = make(map[string]*model.FileSuite)
	w.log = w.log.With(logger.Scope{WorkerIndex: w.index}.Attrs()...)
	return nil
}

// startEnvironments runs the worker-scoped environment beforeAll chain
// once per process. Returned argument bags shallow-merge in composition
// order.
func (w *Worker) startEnvironments(variation model.Variation) *model.SerializedError {
	if w.envStarted {
		return w.envFailed
	}
	w.envStarted = true
	w.workerInfo = &model.WorkerInfo{
		WorkerIndex: w.index,
		Project:     w.project,
		Variation:   variation,
		Args:        make(model.Args),
	}
	for _, env := range w.envs {
		if env.BeforeAll == nil {
			continue
		}
		args, err := callProtected(func() (model.Args, error) { return env.BeforeAll(w.workerInfo) })
		if err != nil {
			w.envFailed = model.SerializeError(fmt.Errorf("environment %s beforeAll: %w", env.Name, err))
			return w.envFailed
		}
		for k, v := range args {
			w.workerInfo.Args[k] = v
		}
	}
	return nil
}

// runBucket executes one assignment and reports what did not run.
func (w *Worker) runBucket(ctx context.Context, payload ipc.RunPayload) ipc.DonePayload {
	log := w.log.With("bucket", payload.File)
	log.Info("bucket started", "tests", len(payload.Entries))

	if fatal := w.startEnvironments(payload.Variation); fatal != nil {
		return ipc.DonePayload{FatalError: fatal, Remaining: payload.Entries}
	}

	fs, ok := w.fileSuites[payload.File]
	if !ok {
		loaded, err := testapi.Load(w.project, payload.File)
		if err != nil {
			return ipc.DonePayload{FatalError: model.SerializeError(err), Remaining: payload.Entries}
		}
		fs = loaded
		w.fileSuites[payload.File] = fs
	}

	r := newRunner(w, fs, payload)
	r.run(ctx)

	if r.failedTestID != "" {
		log.Info("bucket stopped early", "failed_test", r.failedTestID)
	}
	return ipc.DonePayload{
		FailedTestID: r.failedTestID,
		Remaining:    r.remaining(),
	}
}

// teardown winds the worker down: environment afterAll in reverse
// order, then exit. A hard escape timer guarantees the process dies
// even if teardown hangs.
func (w *Worker) teardown() {
	escape := time.AfterFunc(escapeAfter, func() {
		os.Exit(1)
	})
	defer escape.Stop()

	if w.envStarted && w.envFailed == nil {
		for i := len(w.envs) - 1; i >= 0; i-- {
			env := w.envs[i]
			if env.AfterAll == nil {
				continue
			}
			_, err := callProtected(func() (model.Args, error) { return nil, env.AfterAll(w.workerInfo) })
			if err != nil {
				w.conn.Send(ipc.MsgTeardownError, ipc.TeardownErrorPayload{Error: *model.SerializeError(err)})
			}
		}
	}

	if w.capture != nil {
		w.capture.stop()
	}
}
