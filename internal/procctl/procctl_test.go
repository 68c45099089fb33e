package procctl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartWaitReturnsZeroExitCode(t *testing.T) {
	h, err := Start(Spec{Command: "true"})
	require.NoError(t, err)
	outcome := h.Wait()
	require.Equal(t, 0, outcome.ExitCode)
	require.False(t, outcome.TimedOut)
}

func TestStartWaitReturnsNonZeroExitCode(t *testing.T) {
	h, err := Start(Spec{Command: "exit 7"})
	require.NoError(t, err)
	outcome := h.Wait()
	require.Equal(t, 7, outcome.ExitCode)
}

func TestTimeoutEscalatesToSigterm(t *testing.T) {
	h, err := Start(Spec{Command: "sleep 5", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	start := time.Now()
	outcome := h.Wait()
	elapsed := time.Since(start)
	require.True(t, outcome.TimedOut)
	require.Less(t, elapsed, sigkillGrace)
}

func TestPauseResumeSignalsProcessGroup(t *testing.T) {
	h, err := Start(Spec{Command: "sleep 1"})
	require.NoError(t, err)
	require.NoError(t, Pause(h.PID()))
	require.NoError(t, Resume(h.PID()))
	outcome := h.Wait()
	require.Equal(t, 0, outcome.ExitCode)
}
