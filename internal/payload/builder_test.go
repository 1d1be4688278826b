package payload_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/droverhq/drover/internal/job"
	"github.com/droverhq/drover/internal/model"
	"github.com/droverhq/drover/internal/payload"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestGenericBuilderPayloadCommand(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("transformation and params", func(t *testing.T) {
		t.Parallel()
		b := payload.NewGenericBuilder(model.Config{})
		j := job.New("1", t.TempDir())
		j.Transformation = "run.exe"
		j.Params = "--opt value"

		cmd, err := b.PayloadCommand(ctx, j)
		require.NoError(t, err)
		require.Equal(t, "run.exe --opt value", cmd)
	})

	t.Run("setup prefix gets a semicolon", func(t *testing.T) {
		t.Parallel()
		b := payload.NewGenericBuilder(model.Config{
			Payload: model.Payload{Setup: strPtr("source env.sh")},
		})
		j := job.New("1", t.TempDir())
		j.Transformation = "run.exe"

		cmd, err := b.PayloadCommand(ctx, j)
		require.NoError(t, err)
		require.Equal(t, "source env.sh; run.exe", cmd)
	})

	t.Run("empty transformation", func(t *testing.T) {
		t.Parallel()
		b := payload.NewGenericBuilder(model.Config{})
		j := job.New("1", t.TempDir())

		_, err := b.PayloadCommand(ctx, j)
		require.Error(t, err)
		var berr *payload.BuildError
		require.ErrorAs(t, err, &berr)
		require.Equal(t, job.CodeCommandResolutionFailure, berr.Code)
	})
}

func TestGenericBuilderUtilities(t *testing.T) {
	t.Parallel()

	cfg := model.Config{
		Utilities: []model.Utility{
			{
				Name:    "memory monitor",
				Command: "memmon",
				Args:    strPtr("--pid {pid} --output {workdir}/memmon.json"),
				Order:   model.OrderAfterPayloadStarted,
			},
			{
				Name:       "tracer",
				Command:    "tracer",
				Order:      model.OrderWithPayload,
				KillSignal: intPtr(9),
			},
		},
	}
	b := payload.NewGenericBuilder(cfg)

	j := job.New("42", "/work/job_42")
	j.Pid = 1234

	t.Run("lookup by order", func(t *testing.T) {
		t.Parallel()
		uc := b.UtilityCommands(payload.AfterPayloadStarted, j)
		require.NotNil(t, uc)
		require.Equal(t, "memmon", uc.Command)

		require.Nil(t, b.UtilityCommands(payload.BeforePayload, j))
	})

	t.Run("setup expands placeholders", func(t *testing.T) {
		t.Parallel()
		full := b.UtilitySetup("memmon", j)
		require.Equal(t, "memmon --pid 1234 --output /work/job_42/memmon.json", full)

		require.Empty(t, b.UtilitySetup("unknown", j))
	})

	t.Run("kill signal", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, 9, b.UtilityKillSignal("tracer"))
		require.Equal(t, int(unix.SIGTERM), b.UtilityKillSignal("memmon"))
		require.Equal(t, int(unix.SIGTERM), b.UtilityKillSignal("unknown"))
	})
}

func TestUtilityCommandString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "memmon", payload.UtilityCommand{Command: "memmon"}.String())
	require.Equal(t, "memmon --pid 1",
		payload.UtilityCommand{Command: "memmon", Args: "--pid 1"}.String())
}
