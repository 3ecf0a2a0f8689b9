package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// RunProxy binds an XSUB socket for publishers and an XPUB socket for
// subscribers and forwards between them until ctx is done. Subscriptions
// flow upstream through XPUB so publishers only send what someone wants.
func RunProxy(ctx context.Context, xsubAddr, xpubAddr string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("proxy")

	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("zmq context: %w", err)
	}
	defer zctx.Term()

	frontend, err := zctx.NewSocket(zmq.XSUB)
	if err != nil {
		return fmt.Errorf("xsub socket: %w", err)
	}
	defer frontend.Close()
	_ = frontend.SetLinger(0)
	if err := frontend.Bind(xsubAddr); err != nil {
		return fmt.Errorf("xsub bind %s: %w", xsubAddr, err)
	}

	backend, err := zctx.NewSocket(zmq.XPUB)
	if err != nil {
		return fmt.Errorf("xpub socket: %w", err)
	}
	defer backend.Close()
	_ = backend.SetLinger(0)
	if err := backend.Bind(xpubAddr); err != nil {
		return fmt.Errorf("xpub bind %s: %w", xpubAddr, err)
	}

	controlAddr := "inproc://proxy-control-" + uuid.NewString()
	control, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	defer control.Close()
	if err := control.Bind(controlAddr); err != nil {
		return fmt.Errorf("control bind: %w", err)
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		terminator, err := zctx.NewSocket(zmq.PAIR)
		if err != nil {
			logger.Error("terminator socket", zap.Error(err))
			return
		}
		defer terminator.Close()
		_ = terminator.SetLinger(0)
		if err := terminator.Connect(controlAddr); err != nil {
			logger.Error("terminator connect", zap.Error(err))
			return
		}
		if _, err := terminator.Send("TERMINATE", 0); err != nil {
			logger.Error("terminate proxy", zap.Error(err))
		}
	}()

	logger.Info("proxy listening", zap.String("xsub", xsubAddr), zap.String("xpub", xpubAddr))
	err = zmq.ProxySteerable(frontend, backend, nil, control)
	close(done)
	<-stopped
	if ctx.Err() != nil {
		logger.Info("proxy stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	return nil
}
