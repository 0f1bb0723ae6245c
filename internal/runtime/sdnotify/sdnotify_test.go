package sdnotify

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "kidbot/pkg/logx"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := New(logx.Nop())
	assert.False(t, n.Ready())
	assert.Zero(t, n.WatchdogInterval())
	require.NoError(t, n.Watchdog(context.Background(), nil))
}

func TestStates(t *testing.T) {
	conn := listen(t)
	n := New(logx.Nop())

	assert.True(t, n.Ready())
	assert.Equal(t, "READY=1", read(t, conn))
	assert.True(t, n.Status("3 tenants"))
	assert.Equal(t, "STATUS=3 tenants", read(t, conn))
	assert.True(t, n.Stopping())
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestWatchdogPings(t *testing.T) {
	conn := listen(t)
	t.Setenv("WATCHDOG_USEC", strconv.Itoa(int((100 * time.Millisecond).Microseconds())))
	t.Setenv("WATCHDOG_PID", "")
	n := New(logx.Nop())
	assert.Equal(t, 50*time.Millisecond, n.WatchdogInterval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx, func() bool { return true }) }()
	assert.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	require.NoError(t, <-done)
}
