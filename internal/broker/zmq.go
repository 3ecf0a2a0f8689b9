package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// topicDelim terminates every topic frame. SUB sockets match on prefix, so
// without it a subscription to "list:1" would also receive "list:10".
const topicDelim = "|"

const pollInterval = 100 * time.Millisecond

type ZMQConfig struct {
	// PubAddr is the XSUB side of the proxy that publishers connect to.
	PubAddr string
	// SubAddr is the XPUB side of the proxy that subscribers connect to.
	SubAddr string
	Logger  *zap.Logger
}

type subCommand struct {
	channel   string
	subscribe bool
}

// ZMQBroker publishes through a PUB socket and receives through a SUB
// socket, both connected to an XSUB/XPUB proxy. ZeroMQ sockets are not safe
// for concurrent use: the PUB socket is guarded by a mutex and the SUB
// socket is only touched by the Run loop, which applies queued
// subscription changes between polls.
type ZMQBroker struct {
	zctx    *zmq.Context
	pub     *zmq.Socket
	pubMu   sync.Mutex
	sub     *zmq.Socket
	monitor *zmq.Socket
	logger  *zap.Logger

	connected atomic.Bool
	closed    atomic.Bool
	running   atomic.Bool

	cmdMu    sync.Mutex
	commands []subCommand

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewZMQ(cfg ZMQConfig) (*ZMQBroker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq context: %w", err)
	}
	b := &ZMQBroker{zctx: zctx, logger: logger.Named("broker"), stop: make(chan struct{})}

	fail := func(err error) (*ZMQBroker, error) {
		b.closeSockets()
		_ = zctx.Term()
		return nil, err
	}

	if b.pub, err = zctx.NewSocket(zmq.PUB); err != nil {
		return fail(fmt.Errorf("pub socket: %w", err))
	}
	_ = b.pub.SetLinger(0)

	monitorAddr := "inproc://pub-monitor-" + uuid.NewString()
	if err = b.pub.Monitor(monitorAddr, zmq.EVENT_CONNECTED|zmq.EVENT_DISCONNECTED|zmq.EVENT_CLOSED); err != nil {
		return fail(fmt.Errorf("pub monitor: %w", err))
	}
	if b.monitor, err = zctx.NewSocket(zmq.PAIR); err != nil {
		return fail(fmt.Errorf("monitor socket: %w", err))
	}
	if err = b.monitor.Connect(monitorAddr); err != nil {
		return fail(fmt.Errorf("monitor connect: %w", err))
	}
	if err = b.pub.Connect(cfg.PubAddr); err != nil {
		return fail(fmt.Errorf("pub connect %s: %w", cfg.PubAddr, err))
	}

	if b.sub, err = zctx.NewSocket(zmq.SUB); err != nil {
		return fail(fmt.Errorf("sub socket: %w", err))
	}
	_ = b.sub.SetLinger(0)
	if err = b.sub.Connect(cfg.SubAddr); err != nil {
		return fail(fmt.Errorf("sub connect %s: %w", cfg.SubAddr, err))
	}

	b.wg.Add(1)
	go b.watch()

	b.logger.Info("broker connecting", zap.String("pub", cfg.PubAddr), zap.String("sub", cfg.SubAddr))
	return b, nil
}

// watch tracks the connection state of the PUB socket from its monitor
// events so Publish can report ErrUnavailable instead of silently queueing.
func (b *ZMQBroker) watch() {
	defer b.wg.Done()
	defer b.monitor.Close()

	poller := zmq.NewPoller()
	poller.Add(b.monitor, zmq.POLLIN)
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if b.closed.Load() {
				return
			}
			b.logger.Warn("monitor poll", zap.Error(err))
			continue
		}
		if len(polled) == 0 {
			continue
		}
		ev, addr, _, err := b.monitor.RecvEvent(zmq.DONTWAIT)
		if err != nil {
			continue
		}
		switch ev {
		case zmq.EVENT_CONNECTED:
			b.connected.Store(true)
			b.logger.Info("broker connected", zap.String("addr", addr))
		case zmq.EVENT_DISCONNECTED, zmq.EVENT_CLOSED:
			b.connected.Store(false)
			b.logger.Warn("broker disconnected", zap.String("addr", addr))
		}
	}
}

func (b *ZMQBroker) Connected() bool {
	return b.connected.Load()
}

func (b *ZMQBroker) Publish(ctx context.Context, channel string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !b.connected.Load() {
		return ErrUnavailable
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if _, err := b.pub.SendMessageDontwait(channel+topicDelim, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *ZMQBroker) Subscribe(channel string) error {
	return b.enqueue(subCommand{channel: channel, subscribe: true})
}

func (b *ZMQBroker) Unsubscribe(channel string) error {
	return b.enqueue(subCommand{channel: channel})
}

func (b *ZMQBroker) enqueue(cmd subCommand) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.cmdMu.Lock()
	b.commands = append(b.commands, cmd)
	b.cmdMu.Unlock()
	return nil
}

func (b *ZMQBroker) applyCommands() {
	b.cmdMu.Lock()
	cmds := b.commands
	b.commands = nil
	b.cmdMu.Unlock()

	for _, cmd := range cmds {
		var err error
		if cmd.subscribe {
			err = b.sub.SetSubscribe(cmd.channel + topicDelim)
		} else {
			err = b.sub.SetUnsubscribe(cmd.channel + topicDelim)
		}
		if err != nil {
			b.logger.Warn("update subscription",
				zap.String("channel", cmd.channel), zap.Bool("subscribe", cmd.subscribe), zap.Error(err))
		}
	}
}

// Run owns the SUB socket. Only one Run may be active per broker.
func (b *ZMQBroker) Run(ctx context.Context, h Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("broker already running")
	}
	b.wg.Add(1)
	defer b.wg.Done()
	defer b.sub.Close()

	poller := zmq.NewPoller()
	poller.Add(b.sub, zmq.POLLIN)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return nil
		default:
		}

		b.applyCommands()
		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if b.closed.Load() {
				return nil
			}
			b.logger.Warn("sub poll", zap.Error(err))
			continue
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := b.sub.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			continue
		}
		if len(parts) != 2 {
			b.logger.Warn("dropping message with unexpected frame count", zap.Int("frames", len(parts)))
			continue
		}
		channel := strings.TrimSuffix(string(parts[0]), topicDelim)
		h(channel, parts[1])
	}
}

// closeSockets is only used when construction fails, before any goroutine
// owns a socket.
func (b *ZMQBroker) closeSockets() {
	for _, s := range []*zmq.Socket{b.pub, b.sub, b.monitor} {
		if s != nil {
			_ = s.Close()
		}
	}
}

func (b *ZMQBroker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stop)
		b.wg.Wait()

		b.pubMu.Lock()
		_ = b.pub.Close()
		b.pubMu.Unlock()
		if b.running.CompareAndSwap(false, true) {
			_ = b.sub.Close()
		}
		err = b.zctx.Term()
	})
	return err
}
