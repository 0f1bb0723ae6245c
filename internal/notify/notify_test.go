package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "kidbot/internal/transport"
	logx "kidbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	to   []kit.ChatTarget
	err  error
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	f.sent = append(f.sent, text)
	f.to = append(f.to, to)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func TestTelegramSinkRoutesByTenant(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	sink := NewTelegramSink(fs, Config{}, map[string]kit.ChatTarget{
		"alice": {ChatID: 100},
		"bob":   {ChatID: 200, ThreadID: 7},
	}, logx.Nop())

	require.NoError(t, sink.Deliver(context.Background(), "bob", "hello bob"))
	require.NoError(t, sink.Deliver(context.Background(), "alice", "hello alice"))
	assert.Equal(t, []string{"hello bob", "hello alice"}, fs.sent)
	assert.Equal(t, kit.ChatTarget{ChatID: 200, ThreadID: 7}, fs.to[0])

	tenant, ok := sink.TenantFor(100)
	assert.True(t, ok)
	assert.Equal(t, "alice", tenant)
	_, ok = sink.TenantFor(999)
	assert.False(t, ok)
}

func TestTelegramSinkErrors(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{err: errors.New("blocked by user")}
	sink := NewTelegramSink(fs, Config{RatePerSec: 5}, map[string]kit.ChatTarget{"alice": {ChatID: 1}}, logx.Nop())

	err := sink.Deliver(context.Background(), "carol", "hi")
	require.ErrorIs(t, err, ErrUnknownTenant)

	err = sink.Deliver(context.Background(), "alice", "hi")
	require.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Contains(t, err.Error(), "blocked by user")

	require.NoError(t, sink.Deliver(context.Background(), "alice", "   "), "blank messages are not sent")
}

func TestTelegramSinkSetTargets(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	targets := map[string]kit.ChatTarget{"alice": {ChatID: 1}}
	sink := NewTelegramSink(fs, Config{}, targets, logx.Nop())
	targets["bob"] = kit.ChatTarget{ChatID: 2}
	_, ok := sink.Target("bob")
	assert.False(t, ok, "caller map is copied")

	sink.SetTargets(map[string]kit.ChatTarget{"bob": {ChatID: 2}})
	require.ErrorIs(t, sink.Deliver(context.Background(), "alice", "x"), ErrUnknownTenant)
	require.NoError(t, sink.Deliver(context.Background(), "bob", "x"))
}

func TestTelegramSinkRespectsContext(t *testing.T) {
	t.Parallel()
	sink := NewTelegramSink(&fakeSender{}, Config{RatePerSec: 1}, map[string]kit.ChatTarget{"alice": {ChatID: 1}}, logx.Nop())
	require.NoError(t, sink.Deliver(context.Background(), "alice", "first"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sink.Deliver(ctx, "alice", "second"), ErrDeliveryFailed)
}

func TestSinkFuncAndLogSink(t *testing.T) {
	t.Parallel()
	var got string
	var s Sink = SinkFunc(func(_ context.Context, tenant, msg string) error {
		got = tenant + ":" + msg
		return nil
	})
	require.NoError(t, s.Deliver(context.Background(), "alice", "hi"))
	assert.Equal(t, "alice:hi", got)
	assert.NoError(t, LogSink{Log: logx.Nop()}.Deliver(context.Background(), "alice", "hi"))
}
