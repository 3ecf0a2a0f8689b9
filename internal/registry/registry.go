// Package registry tracks the live connections of this process and which
// accounts are subscribed to which lists and households.
//
// State is split over shards so that unrelated accounts and targets never
// contend on the same lock. Account shards own connections and the forward
// subscription set; target shards own the reverse subscriber set. Whenever
// both are needed the account shard is locked first.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/jprofessionals/shopping-list-sub001/internal/event"
)

const DefaultShards = 32

// Writer sends one frame to a client. Write must not block for long; the
// websocket writer queues frames for its own write pump.
type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	ID        string
	AccountID string
	Writer    Writer
}

// Listener is told when a target gains its first local subscriber or loses
// its last one. Calls happen outside registry locks and may arrive out of
// order, so implementations should re-check HasSubscribers.
type Listener interface {
	TargetActivated(target event.Target)
	TargetReleased(target event.Target)
}

type Stats struct {
	Accounts    int `json:"accounts"`
	Connections int `json:"connections"`
	Targets     int `json:"targets"`
}

type accountState struct {
	conns   map[*Connection]struct{}
	targets map[event.Target]struct{}
}

type accountShard struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
}

type targetShard struct {
	mu          sync.RWMutex
	subscribers map[event.Target]map[string]struct{}
}

type listenerHolder struct{ l Listener }

type Registry struct {
	accounts []*accountShard
	targets  []*targetShard
	mask     uint32

	listener atomic.Value
	logger   *zap.Logger
}

type Option func(*Registry)

// WithShards rounds n up to a power of two.
func WithShards(n int) Option {
	return func(r *Registry) {
		size := 1
		for size < n {
			size <<= 1
		}
		r.mask = uint32(size - 1)
	}
}

func New(logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{mask: DefaultShards - 1, logger: logger.Named("registry")}
	for _, opt := range opts {
		opt(r)
	}
	n := int(r.mask) + 1
	r.accounts = make([]*accountShard, n)
	r.targets = make([]*targetShard, n)
	for i := 0; i < n; i++ {
		r.accounts[i] = &accountShard{accounts: make(map[string]*accountState)}
		r.targets[i] = &targetShard{subscribers: make(map[event.Target]map[string]struct{})}
	}
	return r
}

func (r *Registry) SetListener(l Listener) {
	r.listener.Store(listenerHolder{l: l})
}

func (r *Registry) currentListener() Listener {
	h, _ := r.listener.Load().(listenerHolder)
	return h.l
}

func shardIndex(key string, mask uint32) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() & mask
}

func (r *Registry) accountShard(accountID string) *accountShard {
	return r.accounts[shardIndex(accountID, r.mask)]
}

func (r *Registry) targetShard(t event.Target) *targetShard {
	return r.targets[shardIndex(t.Channel(), r.mask)]
}

// Register adds conn for its account. Registering the same connection twice
// is a no-op.
func (r *Registry) Register(conn *Connection) bool {
	if conn == nil || conn.AccountID == "" {
		return false
	}
	as := r.accountShard(conn.AccountID)
	as.mu.Lock()
	defer as.mu.Unlock()

	st := as.accounts[conn.AccountID]
	if st == nil {
		st = &accountState{
			conns:   make(map[*Connection]struct{}),
			targets: make(map[event.Target]struct{}),
		}
		as.accounts[conn.AccountID] = st
	}
	if _, ok := st.conns[conn]; ok {
		return false
	}
	st.conns[conn] = struct{}{}
	return true
}

// Unregister removes conn. When it was the account's last connection every
// subscription of the account is released in the same critical section, and
// the released targets are returned.
func (r *Registry) Unregister(conn *Connection) []event.Target {
	if conn == nil {
		return nil
	}
	as := r.accountShard(conn.AccountID)
	as.mu.Lock()

	st := as.accounts[conn.AccountID]
	if st == nil {
		as.mu.Unlock()
		return nil
	}
	if _, ok := st.conns[conn]; !ok {
		as.mu.Unlock()
		return nil
	}
	delete(st.conns, conn)

	var released []event.Target
	if len(st.conns) == 0 {
		for t := range st.targets {
			if r.removeSubscriber(t, conn.AccountID) {
				released = append(released, t)
			}
		}
		delete(as.accounts, conn.AccountID)
	}
	as.mu.Unlock()

	if len(released) > 0 {
		r.logger.Debug("released subscriptions",
			zap.String("account", conn.AccountID), zap.Int("targets", len(released)))
		if l := r.currentListener(); l != nil {
			for _, t := range released {
				l.TargetReleased(t)
			}
		}
	}
	return released
}

// Subscribe records interest of accountID in target. It refuses accounts
// without a live connection so a late subscribe cannot outlive a disconnect.
func (r *Registry) Subscribe(accountID string, target event.Target) bool {
	if !target.Valid() {
		return false
	}
	as := r.accountShard(accountID)
	as.mu.Lock()

	st := as.accounts[accountID]
	if st == nil || len(st.conns) == 0 {
		as.mu.Unlock()
		return false
	}
	if _, ok := st.targets[target]; ok {
		as.mu.Unlock()
		return true
	}
	st.targets[target] = struct{}{}

	ts := r.targetShard(target)
	ts.mu.Lock()
	subs := ts.subscribers[target]
	activated := len(subs) == 0
	if subs == nil {
		subs = make(map[string]struct{})
		ts.subscribers[target] = subs
	}
	subs[accountID] = struct{}{}
	ts.mu.Unlock()
	as.mu.Unlock()

	if activated {
		if l := r.currentListener(); l != nil {
			l.TargetActivated(target)
		}
	}
	return true
}

func (r *Registry) Unsubscribe(accountID string, target event.Target) {
	as := r.accountShard(accountID)
	as.mu.Lock()

	st := as.accounts[accountID]
	if st == nil {
		as.mu.Unlock()
		return
	}
	if _, ok := st.targets[target]; !ok {
		as.mu.Unlock()
		return
	}
	delete(st.targets, target)
	released := r.removeSubscriber(target, accountID)
	as.mu.Unlock()

	if released {
		if l := r.currentListener(); l != nil {
			l.TargetReleased(target)
		}
	}
}

// removeSubscriber must be called with the account shard of accountID held.
// It reports whether target has no subscribers left.
func (r *Registry) removeSubscriber(target event.Target, accountID string) bool {
	ts := r.targetShard(target)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	subs := ts.subscribers[target]
	if subs == nil {
		return false
	}
	delete(subs, accountID)
	if len(subs) == 0 {
		delete(ts.subscribers, target)
		return true
	}
	return false
}

// DeliverLocal writes e to every live connection of every subscriber of
// target except excludeAccountID. Delivery is best effort per connection: a
// failed write closes that writer, which makes its handler unregister it,
// and delivery to the rest continues. It returns the number of successful
// writes.
func (r *Registry) DeliverLocal(target event.Target, e event.Event, excludeAccountID string) int {
	data, err := event.Encode(e)
	if err != nil {
		r.logger.Warn("encode event", zap.String("target", target.Channel()), zap.Error(err))
		return 0
	}

	accounts := r.Subscribers(target)
	if len(accounts) == 0 {
		return 0
	}

	var conns []*Connection
	for _, accountID := range accounts {
		if excludeAccountID != "" && accountID == excludeAccountID {
			continue
		}
		conns = append(conns, r.connectionsOf(accountID)...)
	}

	delivered := 0
	for _, c := range conns {
		if err := c.Writer.Write(data); err != nil {
			r.logger.Debug("deliver failed",
				zap.String("connection", c.ID),
				zap.String("account", c.AccountID),
				zap.String("target", target.Channel()),
				zap.Error(err))
			_ = c.Writer.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) connectionsOf(accountID string) []*Connection {
	as := r.accountShard(accountID)
	as.mu.RLock()
	defer as.mu.RUnlock()

	st := as.accounts[accountID]
	if st == nil {
		return nil
	}
	conns := make([]*Connection, 0, len(st.conns))
	for c := range st.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) HasSubscribers(target event.Target) bool {
	ts := r.targetShard(target)
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.subscribers[target]) > 0
}

// Subscribers returns the subscribed account ids of target, sorted.
func (r *Registry) Subscribers(target event.Target) []string {
	ts := r.targetShard(target)
	ts.mu.RLock()
	subs := ts.subscribers[target]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	ts.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Subscriptions(accountID string) []event.Target {
	as := r.accountShard(accountID)
	as.mu.RLock()
	st := as.accounts[accountID]
	var out []event.Target
	if st != nil {
		out = make([]event.Target, 0, len(st.targets))
		for t := range st.targets {
			out = append(out, t)
		}
	}
	as.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Channel() < out[j].Channel() })
	return out
}

func (r *Registry) Connections(accountID string) int {
	as := r.accountShard(accountID)
	as.mu.RLock()
	defer as.mu.RUnlock()
	if st := as.accounts[accountID]; st != nil {
		return len(st.conns)
	}
	return 0
}

func (r *Registry) Stats() Stats {
	var s Stats
	for _, as := range r.accounts {
		as.mu.RLock()
		s.Accounts += len(as.accounts)
		for _, st := range as.accounts {
			s.Connections += len(st.conns)
		}
		as.mu.RUnlock()
	}
	for _, ts := range r.targets {
		ts.mu.RLock()
		s.Targets += len(ts.subscribers)
		ts.mu.RUnlock()
	}
	return s
}
