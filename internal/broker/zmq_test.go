package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// Needs libzmq and two free local ports.
func TestZMQBroker_ThroughProxy(t *testing.T) {
	if os.Getenv("ZMQ_INTEGRATION") == "" {
		t.Skip("set ZMQ_INTEGRATION=1 to run against a local proxy")
	}
	logger := zaptest.NewLogger(t)
	const xsub, xpub = "tcp://127.0.0.1:25557", "tcp://127.0.0.1:25558"

	ctx, cancel := context.WithCancel(context.Background())
	proxyDone := make(chan error, 1)
	go func() { proxyDone <- RunProxy(ctx, xsub, xpub, logger) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-proxyDone)
	})

	a, err := NewZMQ(ZMQConfig{PubAddr: xsub, SubAddr: xpub, Logger: logger})
	require.NoError(t, err)
	b, err := NewZMQ(ZMQConfig{PubAddr: xsub, SubAddr: xpub, Logger: logger})
	require.NoError(t, err)
	cb := runBroker(t, b)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, b.Subscribe("list:1"))
	require.Eventually(t, a.Connected, 2*time.Second, 10*time.Millisecond)

	// Subscriptions propagate asynchronously, so keep publishing until one lands.
	require.Eventually(t, func() bool {
		_ = a.Publish(context.Background(), "list:10", []byte("no"))
		_ = a.Publish(context.Background(), "list:1", []byte("yes"))
		return len(cb.snapshot()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	for _, m := range cb.snapshot() {
		require.Equal(t, "list:1=yes", m)
	}
}
