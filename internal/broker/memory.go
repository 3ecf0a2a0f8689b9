package broker

import (
	"context"
	"sync"
)

const memoryInboxSize = 1024

type memoryMessage struct {
	channel string
	data    []byte
}

// MemoryNetwork connects MemoryBroker nodes inside one process. It stands
// in for the proxy when running a single instance and lets tests run
// several "processes" side by side.
type MemoryNetwork struct {
	mu        sync.RWMutex
	nodes     map[*MemoryBroker]struct{}
	available bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{nodes: make(map[*MemoryBroker]struct{}), available: true}
}

// SetAvailable simulates the broker going down or coming back.
func (n *MemoryNetwork) SetAvailable(available bool) {
	n.mu.Lock()
	n.available = available
	n.mu.Unlock()
}

func (n *MemoryNetwork) NewBroker() *MemoryBroker {
	b := &MemoryBroker{
		network:  n,
		channels: make(map[string]struct{}),
		inbox:    make(chan memoryMessage, memoryInboxSize),
		done:     make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[b] = struct{}{}
	n.mu.Unlock()
	return b
}

func (n *MemoryNetwork) remove(b *MemoryBroker) {
	n.mu.Lock()
	delete(n.nodes, b)
	n.mu.Unlock()
}

type MemoryBroker struct {
	network *MemoryNetwork

	mu       sync.RWMutex
	channels map[string]struct{}
	closed   bool

	inbox     chan memoryMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBroker returns a broker on its own private network.
func NewMemoryBroker() *MemoryBroker {
	return NewMemoryNetwork().NewBroker()
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	n := b.network
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.available {
		return ErrUnavailable
	}

	payload := append([]byte(nil), data...)
	for node := range n.nodes {
		node.deliver(memoryMessage{channel: channel, data: payload})
	}
	return nil
}

// deliver drops the message when the node is not subscribed or its inbox is
// full, like a PUB socket past its high-water mark.
func (b *MemoryBroker) deliver(msg memoryMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if _, ok := b.channels[msg.channel]; !ok {
		return
	}
	select {
	case b.inbox <- msg:
	default:
	}
}

func (b *MemoryBroker) Subscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.channels[channel] = struct{}{}
	return nil
}

func (b *MemoryBroker) Unsubscribe(channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, channel)
	return nil
}

func (b *MemoryBroker) Subscribed(channel string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.channels[channel]
	return ok
}

func (b *MemoryBroker) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case msg := <-b.inbox:
			h(msg.channel, msg.data)
		}
	}
}

func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		b.network.remove(b)
		close(b.done)
	})
	return nil
}
