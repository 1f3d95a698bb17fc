// Package reprl is the worker-indexed public façade over the REPRL
// execution and coverage-tracking core: a fixed pool of independent
// Workers, each pairing a child-process supervisor with a coverage
// bitmap engine.
//
// A Pool performs no internal locking across workers; by design, each
// Worker is driven by at most one goroutine at a time (see
// internal/reprl/supervisor and internal/reprl/coverage for the pieces
// this assembles).
package reprl

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reprl-go/reprl/internal/reprl/channel"
	"github.com/reprl-go/reprl/internal/reprl/coverage"
	"github.com/reprl-go/reprl/internal/reprl/supervisor"
)

// Target identifies which instrumented JS engine family a worker's argv
// should be built for.
type Target string

const (
	TargetV8      Target = "v8"
	TargetFirefox Target = "firefox"
	TargetJSC     Target = "jsc"
)

// Options configures a single worker's target process.
type Options struct {
	Target Target // required
	Bin    string // required; absolute path to the instrumented shell

	// Baseline selects the firefox wasm compiler tier ("baseline" or
	// "ion"). Ignored for other targets.
	Baseline string

	CaptureStdout bool
	CaptureStderr bool
	TrackEdges    bool
}

// Pool is a fixed-size collection of Workers, indexed by worker id.
type Pool struct {
	workers []*Worker
}

// NewPool allocates a pool with room for up to maxWorkers workers. Workers
// are created lazily by Init.
func NewPool(maxWorkers int) *Pool {
	return &Pool{workers: make([]*Worker, maxWorkers)}
}

// Worker is one independent execution pipeline: one child supervisor plus
// one coverage context, addressed by a small integer id.
type Worker struct {
	id  int
	sup *supervisor.Context
	cov *coverage.Context

	trackEdges bool
}

// Init builds a worker's argv/envp from Options and the process
// environment, allocates its data channels and coverage shared memory, and
// registers it in the pool at id. It does not spawn a child; call Spawn (or
// ExecuteScript, which spawns lazily) for that.
func (p *Pool) Init(id int, opts Options) (*Worker, error) {
	if id < 0 || id >= len(p.workers) {
		return nil, fmt.Errorf("reprl: worker id %d out of range [0,%d)", id, len(p.workers))
	}
	if opts.Bin == "" {
		return nil, fmt.Errorf("reprl: worker %d: Options.Bin is required", id)
	}

	argv, err := buildArgv(opts)
	if err != nil {
		return nil, fmt.Errorf("reprl: worker %d: %w", id, err)
	}

	cov, err := coverage.New(id)
	if err != nil {
		return nil, fmt.Errorf("reprl: worker %d: initializing coverage: %w", id, err)
	}

	dataIn, err := channel.New(fmt.Sprintf("w%d-data-in", id))
	if err != nil {
		cov.Shutdown()
		return nil, fmt.Errorf("reprl: worker %d: %w", id, err)
	}
	dataOut, err := channel.New(fmt.Sprintf("w%d-data-out", id))
	if err != nil {
		dataIn.Close()
		cov.Shutdown()
		return nil, fmt.Errorf("reprl: worker %d: %w", id, err)
	}

	var stdoutCh, stderrCh *channel.DataChannel
	if opts.CaptureStdout {
		if stdoutCh, err = channel.New(fmt.Sprintf("w%d-stdout", id)); err != nil {
			dataOut.Close()
			dataIn.Close()
			cov.Shutdown()
			return nil, fmt.Errorf("reprl: worker %d: %w", id, err)
		}
	}
	if opts.CaptureStderr {
		if stderrCh, err = channel.New(fmt.Sprintf("w%d-stderr", id)); err != nil {
			if stdoutCh != nil {
				stdoutCh.Close()
			}
			dataOut.Close()
			dataIn.Close()
			cov.Shutdown()
			return nil, fmt.Errorf("reprl: worker %d: %w", id, err)
		}
	}

	// Copy the current environment once, a single time per worker. SHM_ID
	// is not added here: the supervisor appends it to a copy of this slice
	// on every spawn.
	envp := append([]string{}, os.Environ()...)

	sup := &supervisor.Context{
		WorkerID:      id,
		Coverage:      cov,
		Argv:          argv,
		Envp:          envp,
		CaptureStdout: opts.CaptureStdout,
		CaptureStderr: opts.CaptureStderr,
		DataIn:        dataIn,
		DataOut:       dataOut,
		Stdout:        stdoutCh,
		Stderr:        stderrCh,
	}

	w := &Worker{id: id, sup: sup, cov: cov, trackEdges: opts.TrackEdges}
	p.workers[id] = w
	return w, nil
}

// Worker returns the worker registered at id, or nil if Init hasn't been
// called for it yet.
func (p *Pool) Worker(id int) *Worker {
	if id < 0 || id >= len(p.workers) {
		return nil
	}
	return p.workers[id]
}

// ID returns this worker's id.
func (w *Worker) ID() int { return w.id }

// Spawn starts the worker's target process (no child may already be
// running; the supervisor panics if one is) and, on first spawn, finalizes the coverage bitmap size from the number of edges the
// target reports.
func (w *Worker) Spawn() error {
	if err := w.sup.Spawn(); err != nil {
		return err
	}
	if !w.cov.NumEdgesKnown() {
		if _, err := w.cov.FinishInitialization(w.trackEdges); err != nil {
			w.sup.Terminate()
			return fmt.Errorf("reprl: worker %d: %w", w.id, err)
		}
		logrus.WithFields(logrus.Fields{"worker": w.id, "edges": w.cov.NumEdgesField()}).Info("reprl: coverage map sized")
	}
	return nil
}

// ExecuteScript runs script in the worker's target process, spawning (or
// respawning, if freshInstance is set) it first if necessary.
func (w *Worker) ExecuteScript(script []byte, timeout time.Duration, freshInstance bool) (supervisor.Status, time.Duration, error) {
	if !w.sup.Running() {
		if err := w.Spawn(); err != nil {
			return 0, 0, err
		}
	}
	return w.sup.Execute(script, timeout, freshInstance)
}

// Evaluate diffs the bitmap from the worker's last execution against its
// virgin bitmap, returning newly discovered edge indices.
func (w *Worker) Evaluate() ([]uint32, error) {
	return w.cov.Evaluate()
}

// FetchStdout returns the captured stdout from the last execution, or an
// empty slice if stdout capture wasn't enabled.
func (w *Worker) FetchStdout() ([]byte, error) {
	if w.sup.Stdout == nil {
		return nil, nil
	}
	return w.sup.Stdout.FetchContent()
}

// FetchStderr returns the captured stderr from the last execution, or an
// empty slice if stderr capture wasn't enabled.
func (w *Worker) FetchStderr() ([]byte, error) {
	if w.sup.Stderr == nil {
		return nil, nil
	}
	return w.sup.Stderr.FetchContent()
}

// FetchFuzzout returns the data the script wrote to its fuzz-output
// channel during the last execution.
func (w *Worker) FetchFuzzout() ([]byte, error) {
	return w.sup.DataOut.FetchContent()
}

// LastError returns the most recent diagnostic recorded for this worker.
func (w *Worker) LastError() error {
	return w.sup.LastError()
}

// Coverage exposes the worker's coverage context for operations the
// façade doesn't wrap directly (backup/restore, persistence, edge-data
// bookkeeping).
func (w *Worker) Coverage() *coverage.Context {
	return w.cov
}

// Destroy terminates the worker's child, closes its data channels, and
// unlinks its coverage shared memory. It must be called exactly once.
func (w *Worker) Destroy() {
	w.sup.Terminate()
	w.sup.DataIn.Close()
	w.sup.DataOut.Close()
	if w.sup.Stdout != nil {
		w.sup.Stdout.Close()
	}
	if w.sup.Stderr != nil {
		w.sup.Stderr.Close()
	}
	w.cov.Shutdown()
}

// buildArgv constructs the target process's argument vector from Options,
// following the external per-engine conventions documented in spec.md §4.4:
// argv selection is policy external to the core, but every target must be
// an instrumented shell that speaks the REPRL handshake.
func buildArgv(opts Options) ([]string, error) {
	switch opts.Target {
	case TargetV8:
		return []string{
			opts.Bin,
			"--expose-gc",
			"--single-threaded",
			"--predictable",
			"--allow-natives-syntax",
			"--interpreted-frames-native-stack",
			"--fuzzing",
			"--reprl",
		}, nil

	case TargetFirefox:
		baselineFlag := "--wasm-compiler=ion"
		if opts.Baseline == "baseline" {
			baselineFlag = "--wasm-compiler=baseline"
		}
		return []string{opts.Bin, "--fuzzing-safe", "--reprl", baselineFlag}, nil

	case TargetJSC:
		return []string{opts.Bin, "--reprl", "--useConcurrentJIT=false"}, nil

	default:
		return nil, fmt.Errorf("unknown TARGET %q (expected v8, firefox, or jsc)", opts.Target)
	}
}

// OptionsFromEnv builds Options from the TARGET/BIN/BASELINE environment
// variables, per spec.md §6. A missing TARGET or BIN is returned as an
// error; the process is not terminated.
func OptionsFromEnv() (Options, error) {
	target, ok := os.LookupEnv("TARGET")
	if !ok {
		return Options{}, fmt.Errorf("reprl: TARGET environment variable is required")
	}
	bin, ok := os.LookupEnv("BIN")
	if !ok {
		return Options{}, fmt.Errorf("reprl: BIN environment variable is required")
	}
	return Options{
		Target:   Target(target),
		Bin:      bin,
		Baseline: os.Getenv("BASELINE"),
	}, nil
}
