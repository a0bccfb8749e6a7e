package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The launcher appends browser flags to whatever command it runs; sleep
// ignores the extra arguments, which is all these tests need.
func sleepLauncher() *ExecLauncher {
	return &ExecLauncher{Command: "sleep", Args: []string{"60"}, BasePort: 39000}
}

func TestExecSessionLifecycle(t *testing.T) {
	sess, err := sleepLauncher().Launch(context.Background(), 1, t.TempDir())
	require.NoError(t, err)
	require.False(t, sess.Disconnected())

	es, ok := sess.(*execSession)
	require.True(t, ok)
	require.Equal(t, "http://127.0.0.1:39001", es.DebugURL())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Close(ctx))
	require.True(t, sess.Disconnected())

	// Close and Kill on an exited session are no-ops.
	require.NoError(t, sess.Close(ctx))
	require.NoError(t, sess.Kill())
}

func TestExecSessionKill(t *testing.T) {
	sess, err := sleepLauncher().Launch(context.Background(), 2, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, sess.Kill())
	require.Eventually(t, sess.Disconnected, 5*time.Second, 10*time.Millisecond)
}

func TestLaunchFailsForMissingCommand(t *testing.T) {
	l := &ExecLauncher{Command: "definitely-not-a-browser-binary"}
	_, err := l.Launch(context.Background(), 1, t.TempDir())
	require.Error(t, err)
}
