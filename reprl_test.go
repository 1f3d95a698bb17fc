package reprl

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) (*Pool, *Worker) {
	t.Helper()
	p := NewPool(1)
	w, err := p.Init(0, Options{Target: TargetV8, Bin: os.Args[0]})
	require.NoError(t, err)

	// Init copies os.Environ(); overlay the sentinel that routes the
	// re-exec'd test binary into the fake target instead of the harness.
	w.sup.Envp = append(append([]string{}, os.Environ()...), "REPRL_HELPER_CHILD=1")

	t.Cleanup(w.Destroy)
	return p, w
}

func TestPoolInitRejectsOutOfRangeID(t *testing.T) {
	p := NewPool(1)
	_, err := p.Init(5, Options{Target: TargetV8, Bin: "/bin/true"})
	require.Error(t, err)
}

func TestPoolInitRequiresBin(t *testing.T) {
	p := NewPool(1)
	_, err := p.Init(0, Options{Target: TargetV8})
	require.Error(t, err)
}

func TestWorkerExecuteScriptSpawnsAndSizesCoverage(t *testing.T) {
	_, w := newTestPool(t)

	status, _, err := w.ExecuteScript([]byte("stdout:hi"), time.Second, false)
	require.NoError(t, err)
	require.True(t, status.Exited())
	require.True(t, w.Coverage().NumEdgesKnown())

	out, err := w.FetchStdout()
	require.NoError(t, err)
	require.Empty(t, out) // capture wasn't requested

	fuzzout, err := w.FetchFuzzout()
	require.NoError(t, err)
	require.Empty(t, fuzzout)
}

func TestWorkerFetchStdoutWithCapture(t *testing.T) {
	p := NewPool(1)
	w, err := p.Init(0, Options{Target: TargetV8, Bin: os.Args[0], CaptureStdout: true})
	require.NoError(t, err)
	w.sup.Envp = append(append([]string{}, os.Environ()...), "REPRL_HELPER_CHILD=1")
	t.Cleanup(w.Destroy)

	_, _, err = w.ExecuteScript([]byte("stdout:captured\n"), time.Second, false)
	require.NoError(t, err)

	out, err := w.FetchStdout()
	require.NoError(t, err)
	require.Equal(t, "captured\n", string(out))
}

func TestBuildArgvUnknownTarget(t *testing.T) {
	_, err := buildArgv(Options{Target: "made-up", Bin: "/bin/true"})
	require.Error(t, err)
}

func TestBuildArgvV8(t *testing.T) {
	argv, err := buildArgv(Options{Target: TargetV8, Bin: "/usr/bin/d8"})
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/d8", argv[0])
	require.Contains(t, argv, "--reprl")
}

func TestOptionsFromEnvRequiresTargetAndBin(t *testing.T) {
	t.Setenv("TARGET", "")
	t.Setenv("BIN", "")
	os.Unsetenv("TARGET")
	os.Unsetenv("BIN")
	_, err := OptionsFromEnv()
	require.Error(t, err)

	t.Setenv("TARGET", "v8")
	t.Setenv("BIN", "/usr/bin/d8")
	opts, err := OptionsFromEnv()
	require.NoError(t, err)
	require.Equal(t, TargetV8, opts.Target)
	require.Equal(t, "/usr/bin/d8", opts.Bin)
}
