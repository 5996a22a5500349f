package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestWatcherReloadsAfterChange(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg, commandsDir, _ := newTestRegistry(t)
	_, err := reg.Reload()
	require.NoError(t, err)
	require.Equal(t, 0, reg.Len())

	w, err := NewWatcher(reg, zap.NewNop())
	require.NoError(t, err)
	w.debounceDur = 50 * time.Millisecond // keep the test fast

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeFile(t, commandsDir, "cisco_ios.txt", "show version\n")

	require.Eventually(t, func() bool {
		return reg.Len() == 1
	}, 5*time.Second, 20*time.Millisecond, "registry should pick up the new file")

	_, err = reg.MatchCommand("cisco_ios", "show version")
	require.NoError(t, err)
}

func TestWatcherIgnoresUnderscoreFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg, commandsDir, _ := newTestRegistry(t)
	_, err := reg.Reload()
	require.NoError(t, err)

	w, err := NewWatcher(reg, zap.NewNop())
	require.NoError(t, err)
	w.debounceDur = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	writeFile(t, commandsDir, "_draft.txt", "erase startup-config\n")
	time.Sleep(300 * time.Millisecond)
	w.Stop()

	require.Equal(t, 0, w.Stats().Events)
	require.Equal(t, 0, reg.Len())
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	w, err := NewWatcher(reg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop() // second stop must not panic or block
}
