package toolserver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSupervisor_OwnerUnknownToolReturnsFalse(t *testing.T) {
	s := NewSupervisor(testLogger())
	_, ok := s.Owner("nope")
	assert.False(t, ok)
}

func TestSupervisor_StartMissingCommandFails(t *testing.T) {
	s := NewSupervisor(testLogger())
	err := s.Start(context.Background(), Config{ID: "broken"})
	require.Error(t, err)

	state, ok := s.State("broken")
	require.True(t, ok)
	assert.Equal(t, StateStopped, state)
}

func TestSupervisor_StopUnknownIsNoop(t *testing.T) {
	s := NewSupervisor(testLogger())
	s.Stop("does-not-exist")
}

func TestSupervisor_AllToolsEmptyWhenNothingRunning(t *testing.T) {
	s := NewSupervisor(testLogger())
	assert.Empty(t, s.AllTools())
}

// fakeToolServerScript is a minimal JSON-RPC stdio server implemented
// in awk: it answers initialize() and its first two list_tools()
// calls, then exits without responding on its third list_tools() call,
// simulating a subprocess that dies mid-session.
const fakeToolServerScript = `
{
  line = $0
  method = ""
  id = ""
  if (match(line, /"method":"[a-zA-Z_]+"/)) {
    method = substr(line, RSTART+10, RLENGTH-11)
  }
  if (match(line, /"id":[0-9]+/)) {
    id = substr(line, RSTART+5, RLENGTH-5)
  }
  if (method == "initialize") {
    printf "{\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":{\"protocol_version\":\"1.0\",\"server_name\":\"fake\"}}\n", id
    fflush()
  } else if (method == "list_tools") {
    count++
    if (count >= 3) {
      exit 0
    }
    printf "{\"jsonrpc\":\"2.0\",\"id\":%s,\"result\":[{\"name\":\"echo\",\"description\":\"\",\"input_schema\":{}}]}\n", id
    fflush()
  }
}
`

// TestSupervisor_RestartsAfterHealthProbeFailure exercises spec §8
// Scenario 5: a tool server that exits partway through its session is
// detected by the active health probe (not merely a dropped
// connection), restarted with backoff, rejects calls while restarting,
// and recovers its catalog once the restart succeeds.
func TestSupervisor_RestartsAfterHealthProbeFailure(t *testing.T) {
	scriptPath := filepath.Join(t.TempDir(), "fake.awk")
	require.NoError(t, os.WriteFile(scriptPath, []byte(fakeToolServerScript), 0o644))

	origInterval, origBackoff := healthCheckInterval, maxBackoff
	healthCheckInterval = 50 * time.Millisecond
	t.Cleanup(func() {
		healthCheckInterval = origInterval
		maxBackoff = origBackoff
	})

	s := NewSupervisor(testLogger())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, Config{ID: "fake", Command: "awk", Args: []string{"-f", scriptPath}}))

	state, ok := s.State("fake")
	require.True(t, ok)
	require.Equal(t, StateRunning, state)
	_, ok = s.Owner("echo")
	require.True(t, ok, "catalog should list the tool advertised by the first list_tools call")

	restartStarted := time.Now()
	require.Eventually(t, func() bool {
		state, _ := s.State("fake")
		return state == StateRestarting
	}, 10*time.Second, 20*time.Millisecond, "supervisor should detect the unresponsive server and begin restarting")

	_, _, err := s.Call(ctx, "fake", "echo", nil)
	assert.Error(t, err, "calls during a restart must not succeed silently")

	require.Eventually(t, func() bool {
		state, _ := s.State("fake")
		return state == StateRunning
	}, 15*time.Second, 20*time.Millisecond, "supervisor should relaunch the server and return to running")
	assert.GreaterOrEqual(t, time.Since(restartStarted), 2*time.Second, "backoff before the first restart attempt must be at least 2s")

	_, ok = s.Owner("echo")
	assert.True(t, ok, "catalog should be repopulated from the relaunched server")

	s.Stop("fake")
}
