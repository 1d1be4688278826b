package payload_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/droverhq/drover/internal/job"
	"github.com/droverhq/drover/internal/payload"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
}

// stubBuilder returns canned commands and records post-utility actions.
// onBefore, when set, mutates the job as a real preprocess hook would.
// postGate, when set, holds PostUtilityAction open until released.
type stubBuilder struct {
	payload    string
	payloadErr error
	hooks      map[payload.Order]payload.UtilityCommand
	setups     map[string]string
	killSig    int
	onBefore   func(*job.Job)
	postGate   chan struct{}

	mu        sync.Mutex
	postCalls []string
}

func (b *stubBuilder) PayloadCommand(_ context.Context, _ *job.Job) (string, error) {
	if b.payloadErr != nil {
		return "", b.payloadErr
	}
	return b.payload, nil
}

func (b *stubBuilder) UtilityCommands(order payload.Order, j *job.Job) *payload.UtilityCommand {
	if order == payload.BeforePayload && b.onBefore != nil {
		b.onBefore(j)
	}
	if uc, ok := b.hooks[order]; ok {
		return &uc
	}
	return nil
}

func (b *stubBuilder) UtilitySetup(name string, _ *job.Job) string {
	return b.setups[name]
}

func (b *stubBuilder) UtilityKillSignal(_ string) int {
	if b.killSig != 0 {
		return b.killSig
	}
	return int(unix.SIGTERM)
}

func (b *stubBuilder) PostUtilityAction(_ context.Context, name string, _ *job.Job) {
	b.mu.Lock()
	b.postCalls = append(b.postCalls, name)
	b.mu.Unlock()
	if b.postGate != nil {
		<-b.postGate
	}
}

func (b *stubBuilder) posts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.postCalls...)
}

type stubStop struct {
	flag atomic.Bool
}

func (s *stubStop) IsSet() bool { return s.flag.Load() }

func newExecutor(t *testing.T, b *stubBuilder) (*payload.Executor, *job.Job) {
	t.Helper()
	j := job.New("test-job", t.TempDir())
	j.Transformation = "stubbed"
	ex := payload.NewExecutor(b, j, &stubStop{}).
		WithIntervals(20*time.Millisecond, 200*time.Millisecond)
	return ex, j
}

func TestExtractSetup(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		cmd  string
		want string
	}{
		{"", ""},
		{"run.exe --opt", ""},
		{"source env.sh; run.exe", "source env.sh; "},
		{"source env.sh; module load x; run.exe --opt", "source env.sh; module load x; "},
		{"a; b; ", "a; "},
		{"  spaced ; run.exe  ", "  spaced ; "},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, payload.ExtractSetup(tc.cmd), "cmd=%q", tc.cmd)
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{payload: "echo hello"}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 0, code)
	require.Equal(t, job.StateFinished, j.State())
	require.Empty(t, j.Errors())
	require.Zero(t, j.UtilityCount())
	require.Positive(t, j.Pid)

	data, err := os.ReadFile(filepath.Join(j.WorkDir, "payload.stdout"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
	require.FileExists(t, filepath.Join(j.WorkDir, "payload.stderr"))
	require.FileExists(t, filepath.Join(j.WorkDir, "timing.json"))
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()
	requireSh(t)

	// setup-prefixed command, no hooks, payload exits 0 on its own
	b := &stubBuilder{payload: "export GREETING=hi; echo $GREETING"}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 0, code)
	require.Equal(t, job.StateFinished, j.State())
	require.Equal(t, "export GREETING=hi; ", j.Setup)
	require.Empty(t, j.Errors())
	require.Zero(t, j.UtilityCount())

	// no hooks ran, so no step output files appear
	require.NoFileExists(t, filepath.Join(j.WorkDir, "preprocess_stdout.txt"))
	require.NoFileExists(t, filepath.Join(j.WorkDir, "postprocess_stdout.txt"))

	data, err := os.ReadFile(filepath.Join(j.WorkDir, "payload.stdout"))
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(data))
}

func TestRunPayloadFailure(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{payload: "exit 3"}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 3, code)
	require.Equal(t, job.StateFailed, j.State())
}

func TestRunCommandResolutionFailure(t *testing.T) {
	t.Parallel()

	b := &stubBuilder{payloadErr: &payload.BuildError{
		Code: job.CodeCommandResolutionFailure,
		Diag: "no transformation",
	}}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, -1, code)
	require.Equal(t, job.StateFailed, j.State())

	errs := j.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, job.CodeCommandResolutionFailure, errs[0].Code)
	require.Equal(t, "no transformation", errs[0].Diag)
}

func TestRunPreprocessFailure(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{
		payload: "echo never",
		hooks: map[payload.Order]payload.UtilityCommand{
			payload.BeforePayload: {Command: "echo pre; exit 7"},
		},
	}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 7, code)
	require.Equal(t, job.StateFailed, j.State())

	errs := j.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, job.CodePreprocessFailure, errs[0].Code)

	// the payload never ran, the preprocess output is persisted
	require.NoFileExists(t, filepath.Join(j.WorkDir, "payload.stdout"))
	data, err := os.ReadFile(filepath.Join(j.WorkDir, "preprocess_stdout.txt"))
	require.NoError(t, err)
	require.Equal(t, "pre\n", string(data))
}

func TestRunPostprocessFailure(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{
		payload: "echo done",
		hooks: map[payload.Order]payload.UtilityCommand{
			payload.AfterPayloadFinished: {Command: "exit 4"},
		},
	}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 4, code)

	// the exit code is overwritten and the failure recorded, but the
	// payload's own success state stands
	require.Equal(t, job.StateFinished, j.State())

	errs := j.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, job.CodePostprocessFailure, errs[0].Code)
}

func TestRunParamsDelta(t *testing.T) {
	t.Parallel()
	requireSh(t)

	t.Run("rewritten params reach the command", func(t *testing.T) {
		t.Parallel()
		b := &stubBuilder{
			payload: "echo --first",
			hooks: map[payload.Order]payload.UtilityCommand{
				payload.BeforePayload: {Command: "true"},
			},
			onBefore: func(j *job.Job) { j.Params = "--second" },
		}
		j := job.New("test-job", t.TempDir())
		j.Params = "--first"
		ex := payload.NewExecutor(b, j, &stubStop{}).
			WithIntervals(20*time.Millisecond, 200*time.Millisecond)

		code := ex.Run(t.Context())
		require.Equal(t, 0, code)

		data, err := os.ReadFile(filepath.Join(j.WorkDir, "payload.stdout"))
		require.NoError(t, err)
		require.Equal(t, "--second\n", string(data))
	})

	t.Run("empty previous params leave the command alone", func(t *testing.T) {
		t.Parallel()
		b := &stubBuilder{
			payload: "echo base",
			hooks: map[payload.Order]payload.UtilityCommand{
				payload.BeforePayload: {Command: "true"},
			},
			onBefore: func(j *job.Job) { j.Params = "--injected" },
		}
		ex, j := newExecutor(t, b)

		code := ex.Run(t.Context())
		require.Equal(t, 0, code)

		data, err := os.ReadFile(filepath.Join(j.WorkDir, "payload.stdout"))
		require.NoError(t, err)
		require.Equal(t, "base\n", string(data))
	})
}

func TestRunPostprocessSkippedOnFailure(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{
		payload: "exit 5",
		hooks: map[payload.Order]payload.UtilityCommand{
			payload.AfterPayloadFinished: {Command: "touch postprocess.ran"},
		},
	}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 5, code)
	require.NoFileExists(t, filepath.Join(j.WorkDir, "postprocess.ran"))
}

func TestRunWithPayloadPrefix(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{
		payload: "wrapped",
		hooks: map[payload.Order]payload.UtilityCommand{
			payload.WithPayload: {Command: "echo"},
		},
	}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 0, code)

	data, err := os.ReadFile(filepath.Join(j.WorkDir, "payload.stdout"))
	require.NoError(t, err)
	require.Equal(t, "wrapped\n", string(data))
}

func TestRunMonitorUtility(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{
		payload: "sleep 0.2",
		hooks: map[payload.Order]payload.UtilityCommand{
			payload.AfterPayloadStarted: {Command: "mon"},
		},
		setups:  map[string]string{"mon": "sleep 30"},
		killSig: int(unix.SIGKILL),
	}
	ex, j := newExecutor(t, b)

	code := ex.Run(t.Context())
	require.Equal(t, 0, code)
	require.Equal(t, job.StateFinished, j.State())

	// the monitor was started after launch and stopped during teardown
	require.Zero(t, j.UtilityCount())
	require.Equal(t, []string{"mon"}, b.posts())
}

func TestRunHPOLoop(t *testing.T) {
	t.Parallel()
	requireSh(t)

	preprocess := `c=$(cat count 2>/dev/null || echo 0); c=$((c+1)); echo "$c" > count; ` +
		`if [ "$c" -le 2 ]; then exit 0; else exit 160; fi`
	b := &stubBuilder{
		payload: "echo point",
		hooks: map[payload.Order]payload.UtilityCommand{
			payload.BeforePayload: {Command: preprocess},
		},
	}
	ex, j := newExecutor(t, b)
	j.IsHPO = true

	code := ex.Run(t.Context())
	require.Equal(t, 0, code)
	require.Equal(t, job.StateFinished, j.State())
	require.Empty(t, j.Errors())

	// two payload iterations ran, the third preprocess exhausted the loop
	count, err := os.ReadFile(filepath.Join(j.WorkDir, "count"))
	require.NoError(t, err)
	require.Equal(t, "3\n", string(count))

	require.FileExists(t, filepath.Join(j.WorkDir, "payload.stdout1"))
	require.FileExists(t, filepath.Join(j.WorkDir, "payload.stdout2"))
	require.NoFileExists(t, filepath.Join(j.WorkDir, "payload.stdout"))
}

func TestWaitGracefulNaturalExit(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{payload: "sleep 0.1"}
	ex, j := newExecutor(t, b)

	start := time.Now()
	code := ex.Run(t.Context())
	require.Equal(t, 0, code)
	require.Equal(t, job.StateFinished, j.State())
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitGracefulStop(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{payload: "sleep 30"}
	j := job.New("test-job", t.TempDir())
	stop := &stubStop{}
	stop.flag.Store(true)
	ex := payload.NewExecutor(b, j, stop).
		WithIntervals(20*time.Millisecond, 200*time.Millisecond)

	start := time.Now()
	code := ex.Run(t.Context())
	require.Equal(t, 128+15, code)
	require.Equal(t, job.StateFailed, j.State())
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunCustomOutputNames(t *testing.T) {
	t.Parallel()
	requireSh(t)

	b := &stubBuilder{payload: "echo hi"}
	j := job.New("test-job", t.TempDir())
	ex := payload.NewExecutor(b, j, &stubStop{}).
		WithOutputNames("out.log", "err.log").
		WithIntervals(20*time.Millisecond, 200*time.Millisecond)

	code := ex.Run(t.Context())
	require.Equal(t, 0, code)
	require.FileExists(t, filepath.Join(j.WorkDir, "out.log"))
	require.FileExists(t, filepath.Join(j.WorkDir, "err.log"))
	require.NoFileExists(t, filepath.Join(j.WorkDir, "payload.stdout"))
}
