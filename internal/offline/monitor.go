package offline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultProbeInterval = 15 * time.Second

type MonitorOptions struct {
	// ProbeInterval is how often Run pings the server.
	ProbeInterval time.Duration
	// OnReplay, when set, is called after every background replay.
	OnReplay func(ReplayReport, error)
	Logger   *zap.Logger
}

// Monitor tracks connectivity and replays the queue when it comes back.
// Going offline cancels a running replay; entries it had not finished stay
// queued.
type Monitor struct {
	repo     *Repository
	remote   Remote
	interval time.Duration
	onReplay func(ReplayReport, error)
	logger   *zap.Logger

	mu      sync.Mutex
	online  bool
	running bool
	// rerun is set when a replay is requested while one is still winding
	// down; the finishing goroutine starts the next pass.
	rerun  bool
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor starts out offline; the first SetOnline(true) or successful
// probe triggers a replay.
func NewMonitor(repo *Repository, opts MonitorOptions) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{
		repo:     repo,
		remote:   repo.remote,
		interval: opts.ProbeInterval,
		onReplay: opts.OnReplay,
		logger:   opts.Logger.Named("monitor"),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online == m.online {
		return
	}
	m.online = online
	m.logger.Info("connectivity changed", zap.Bool("online", online))
	if !online {
		m.rerun = false
		if m.cancel != nil {
			m.cancel()
		}
		return
	}
	m.startReplayLocked()
}

func (m *Monitor) startReplayLocked() {
	if m.closed {
		return
	}
	if m.running {
		m.rerun = true
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		rep, err := m.repo.ReplayPending(ctx)
		lost := err != nil && ctx.Err() == nil && IsConnectivityError(err)

		m.mu.Lock()
		m.running = false
		m.cancel = nil
		if lost {
			m.rerun = false
		} else if m.rerun && m.online {
			m.rerun = false
			m.startReplayLocked()
		}
		m.mu.Unlock()

		if lost {
			m.SetOnline(false)
		}
		if m.onReplay != nil {
			m.onReplay(rep, err)
		}
	}()
}

// Run probes the server until ctx is done. While online it also retries
// entries whose backoff has expired.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	defer m.Close()

	for {
		m.probe(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	err := m.remote.Ping(ctx)
	if ctx.Err() != nil {
		return
	}
	online := err == nil || !IsConnectivityError(err)
	if !online || !m.Online() {
		m.SetOnline(online)
		return
	}

	pending, err := m.repo.Pending(ctx)
	if err != nil {
		m.logger.Warn("count pending mutations", zap.Error(err))
		return
	}
	if pending > 0 {
		m.mu.Lock()
		m.startReplayLocked()
		m.mu.Unlock()
	}
}

// Close cancels a running replay and waits for it to return. No replay
// starts after Close.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Wait blocks until the current background replay, if any, has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
