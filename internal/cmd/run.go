package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/reprl-go/reprl"
	"github.com/reprl-go/reprl/internal/config"
)

type runResult struct {
	Exited        bool     `json:"exited"`
	ExitStatus    int      `json:"exit_status,omitempty"`
	Signaled      bool     `json:"signaled"`
	TermSignal    int      `json:"term_signal,omitempty"`
	TimedOut      bool     `json:"timed_out"`
	ExecutionTime string   `json:"execution_time"`
	NewEdges      int      `json:"new_edges"`
	Stdout        string   `json:"stdout,omitempty"`
	Stderr        string   `json:"stderr,omitempty"`
	Fuzzout       string   `json:"fuzzout,omitempty"`
}

func addRunCommand(root *cobra.Command) {
	var (
		configPath     string
		target         string
		bin            string
		baseline       string
		scriptPath     string
		timeout        time.Duration
		freshInstance  bool
		captureStdout  bool
		captureStderr  bool
		trackEdges     bool
		coverageInPath string
		coverageOut    string
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one script against a worker and report its outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				pool = loaded
			}
			if target != "" {
				pool.Target = target
			}
			if bin != "" {
				pool.Bin = bin
			}
			if baseline != "" {
				pool.Baseline = baseline
			}
			if cmd.Flags().Changed("capture-stdout") {
				pool.CaptureStdout = captureStdout
			}
			if cmd.Flags().Changed("capture-stderr") {
				pool.CaptureStderr = captureStderr
			}
			if cmd.Flags().Changed("track-edges") {
				pool.TrackEdges = trackEdges
			}
			if cmd.Flags().Changed("timeout") {
				pool.TimeoutMS = int(timeout / time.Millisecond)
			}

			if pool.Target == "" || pool.Bin == "" {
				return fmt.Errorf("reprl-harness: --target and --bin are required (or set in --config)")
			}

			script, err := readScript(scriptPath)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			log.WithFields(log.Fields{"run_id": runID, "target": pool.Target}).Info("reprl-harness: starting worker")

			p := reprl.NewPool(1)
			w, err := p.Init(0, reprl.Options{
				Target:        reprl.Target(pool.Target),
				Bin:           pool.Bin,
				Baseline:      pool.Baseline,
				CaptureStdout: pool.CaptureStdout,
				CaptureStderr: pool.CaptureStderr,
				TrackEdges:    pool.TrackEdges,
			})
			if err != nil {
				return err
			}
			defer w.Destroy()

			if coverageInPath != "" {
				if err := w.Spawn(); err != nil {
					return err
				}
				if _, err := w.Coverage().LoadVirginFromFile(coverageInPath); err != nil {
					return err
				}
			}

			status, execTime, err := w.ExecuteScript(script, time.Duration(pool.TimeoutMS)*time.Millisecond, freshInstance)
			if err != nil {
				return fmt.Errorf("reprl-harness: %w (last error: %v)", err, w.LastError())
			}

			result := runResult{
				Exited:        status.Exited(),
				Signaled:      status.Signaled(),
				TimedOut:      status.TimedOutStatus(),
				ExecutionTime: execTime.String(),
			}
			if status.Exited() {
				result.ExitStatus = status.ExitStatus()
			}
			if status.Signaled() {
				result.TermSignal = status.TermSig()
			}

			if !status.TimedOutStatus() {
				newEdges, err := w.Evaluate()
				if err != nil {
					return err
				}
				result.NewEdges = len(newEdges)
			}

			if pool.CaptureStdout {
				out, _ := w.FetchStdout()
				result.Stdout = string(out)
			}
			if pool.CaptureStderr {
				errOut, _ := w.FetchStderr()
				result.Stderr = string(errOut)
			}
			fuzzout, _ := w.FetchFuzzout()
			result.Fuzzout = string(fuzzout)

			if coverageOut != "" {
				if _, err := w.Coverage().SaveVirginToFile(coverageOut); err != nil {
					return err
				}
			}

			return printResult(cmd, result, asJSON)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "Path to a reprl.toml pool configuration file")
	flags.StringVar(&target, "target", "", "Engine family: v8, firefox, or jsc")
	flags.StringVar(&bin, "bin", "", "Path to the instrumented engine shell")
	flags.StringVar(&baseline, "baseline", "", "Firefox wasm compiler tier: baseline or ion")
	flags.StringVar(&scriptPath, "script", "", "Path to the script to execute (default: read from stdin)")
	flags.DurationVar(&timeout, "timeout", 0, "Execution timeout (default: from config, or 1s)")
	flags.BoolVar(&freshInstance, "fresh-instance", false, "Force a clean respawn before executing")
	flags.BoolVar(&captureStdout, "capture-stdout", false, "Capture the target's stdout")
	flags.BoolVar(&captureStderr, "capture-stderr", false, "Capture the target's stderr")
	flags.BoolVar(&trackEdges, "track-edges", false, "Maintain per-edge hit counts")
	flags.StringVar(&coverageInPath, "coverage-in", "", "Load a persisted virgin bitmap before executing")
	flags.StringVar(&coverageOut, "coverage-out", "", "Save the virgin bitmap after executing")
	flags.BoolVar(&asJSON, "json", false, "Print the result as JSON")

	root.AddCommand(cmd)
}

func readScript(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading script from stdin: %w", err)
		}
		return data, nil
	}
	return os.ReadFile(path)
}

func printResult(cmd *cobra.Command, result runResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	out := cmd.OutOrStdout()
	switch {
	case result.TimedOut:
		fmt.Fprintln(out, "timed out")
	case result.Signaled:
		fmt.Fprintf(out, "terminated by signal %d\n", result.TermSignal)
	default:
		fmt.Fprintf(out, "exited with status %d\n", result.ExitStatus)
	}
	fmt.Fprintf(out, "execution time: %s\n", result.ExecutionTime)
	fmt.Fprintf(out, "new edges: %d\n", result.NewEdges)
	if result.Stdout != "" {
		fmt.Fprintf(out, "stdout:\n%s\n", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(out, "stderr:\n%s\n", result.Stderr)
	}
	if result.Fuzzout != "" {
		fmt.Fprintf(out, "fuzzout:\n%s\n", result.Fuzzout)
	}
	return nil
}
