package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jprofessionals/shopping-list-sub001/internal/model"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
	DefaultParallelism = 4
)

type Options struct {
	// Account fills author fields of optimistic creates.
	Account model.Account
	// MaxAttempts is how often a replay may be rejected by the server
	// before the entry is dropped.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Parallelism bounds how many entities replay at once.
	Parallelism int
	// OnPermanentFailure is called for every dropped entry.
	OnPermanentFailure func(e QueueEntry, err error)
	Logger             *zap.Logger
	Now                func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// ReplayReport summarises one replay pass.
type ReplayReport struct {
	Sent     int
	Dropped  int
	Deferred int
}

// Repository serializes work per entity: no two operations on the same
// entity run at once, while different entities proceed in parallel.
type Repository struct {
	remote Remote
	queue  *SQLiteQueue
	cache  *Cache
	opts   Options
	logger *zap.Logger

	locks  *keyedMutex
	flight singleflight.Group

	aliasMu sync.RWMutex
	aliases map[string]string
}

func NewRepository(remote Remote, queue *SQLiteQueue, cache *Cache, opts Options) *Repository {
	opts.setDefaults()
	return &Repository{
		remote:  remote,
		queue:   queue,
		cache:   cache,
		opts:    opts,
		logger:  opts.Logger.Named("offline"),
		locks:   newKeyedMutex(),
		aliases: make(map[string]string),
	}
}

func (r *Repository) Cache() *Cache { return r.cache }

func (r *Repository) Pending(ctx context.Context) (int, error) {
	return r.queue.Len(ctx)
}

// Resolve returns the real id of an entity created offline once the server
// has assigned one, and id unchanged otherwise.
func (r *Repository) Resolve(entity Entity, id string) string {
	if !IsPlaceholder(id) {
		return id
	}
	r.aliasMu.RLock()
	defer r.aliasMu.RUnlock()
	if real, ok := r.aliases[entityKey(entity, id)]; ok {
		return real
	}
	return id
}

func (r *Repository) setAlias(entity Entity, placeholder, realID string) {
	r.aliasMu.Lock()
	defer r.aliasMu.Unlock()
	r.aliases[entityKey(entity, placeholder)] = realID
}

// Perform applies m remotely, or locally and queued when the server is
// unreachable. Business-rule rejections are returned and never queued.
func (r *Repository) Perform(ctx context.Context, m Mutation) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}
	m.EntityID = r.Resolve(m.Entity, m.EntityID)
	m.ParentID = r.Resolve(EntityList, m.ParentID)

	if m.Op == OpCreate {
		return r.performCreate(ctx, m)
	}

	unlock := r.locks.Lock(m.key())
	defer func() { unlock() }()

	// The alias may have been published while we waited for the lock.
	if resolved := r.Resolve(m.Entity, m.EntityID); resolved != m.EntityID {
		unlock()
		m.EntityID = resolved
		unlock = r.locks.Lock(m.key())
	}

	pending, err := r.queue.PendingFor(ctx, m.Entity, m.EntityID)
	if err != nil {
		return Result{}, err
	}

	if m.Op == OpDelete {
		if hasOp(pending, OpDelete) {
			return Result{}, nil
		}
		if IsPlaceholder(m.EntityID) {
			return Result{}, r.discardLocal(ctx, m.Entity, m.EntityID)
		}
	}

	// A placeholder lives exactly as long as its queued create.
	if IsPlaceholder(m.EntityID) && len(pending) == 0 {
		return Result{}, fmt.Errorf("%w: %s %s", ErrUnknownEntity, m.Entity, m.EntityID)
	}

	// Queued changes for this entity go first; sending now would reorder.
	if len(pending) > 0 || IsPlaceholder(m.EntityID) {
		return r.enqueue(ctx, m, m.EntityID)
	}

	res, err := r.remote.Apply(ctx, m)
	switch {
	case err == nil:
		r.applyResult(m, res)
		return res, nil
	case m.Op == OpDelete && isNotFound(err):
		r.cache.Remove(m.Entity, m.EntityID)
		return Result{}, nil
	case ctx.Err() == nil && IsConnectivityError(err):
		r.logger.Debug("queueing mutation", zap.String("op", string(m.Op)),
			zap.String("entity", string(m.Entity)), zap.String("id", m.EntityID), zap.Error(err))
		return r.enqueue(ctx, m, m.EntityID)
	default:
		return Result{}, err
	}
}

func (r *Repository) performCreate(ctx context.Context, m Mutation) (Result, error) {
	// A child of a list that only exists locally cannot be sent yet. Holding
	// the list lock keeps the list's replay from remapping underneath us.
	if IsPlaceholder(m.ParentID) {
		unlock := r.locks.Lock(entityKey(EntityList, m.ParentID))
		defer unlock()
		m.ParentID = r.Resolve(EntityList, m.ParentID)
		if IsPlaceholder(m.ParentID) {
			return r.enqueue(ctx, m, NewPlaceholderID())
		}
	}

	res, err := r.remote.Apply(ctx, m)
	if err == nil {
		r.cache.putResult(res)
		return res, nil
	}
	if ctx.Err() == nil && IsConnectivityError(err) {
		r.logger.Debug("queueing create", zap.String("entity", string(m.Entity)), zap.Error(err))
		return r.enqueue(ctx, m, NewPlaceholderID())
	}
	return Result{}, err
}

// enqueue persists m and then applies it optimistically.
func (r *Repository) enqueue(ctx context.Context, m Mutation, entityID string) (Result, error) {
	m.EntityID = entityID
	if m.ParentID == "" {
		m.ParentID = r.cachedParent(m.Entity, m.EntityID)
	}
	if _, err := r.queue.Append(ctx, m, r.opts.Now()); err != nil {
		return Result{}, err
	}
	res, err := r.applyOptimistic(m)
	if err != nil {
		return Result{}, err
	}
	res.Queued = true
	return res, nil
}

// cachedParent records the list of an item or comment on queued changes so
// that dropping an offline list also drops them.
func (r *Repository) cachedParent(entity Entity, id string) string {
	switch entity {
	case EntityItem:
		if it, ok := r.cache.Item(id); ok {
			return it.ListID
		}
	case EntityComment:
		if cm, ok := r.cache.Comment(id); ok {
			return cm.ListID
		}
	}
	return ""
}

// discardLocal forgets an entity the server never saw, together with
// everything queued for it.
func (r *Repository) discardLocal(ctx context.Context, entity Entity, id string) error {
	n, err := r.queue.DropEntity(ctx, entity, id)
	if err != nil {
		return err
	}
	r.cache.Remove(entity, id)
	r.logger.Debug("discarded local entity", zap.String("entity", string(entity)),
		zap.String("id", id), zap.Int64("entries", n))
	return nil
}

func hasOp(entries []QueueEntry, op Op) bool {
	for _, e := range entries {
		if e.Op == op {
			return true
		}
	}
	return false
}

func (r *Repository) applyResult(m Mutation, res Result) {
	if m.Op == OpDelete {
		r.cache.Remove(m.Entity, m.EntityID)
		return
	}
	r.cache.putResult(res)
}

func (r *Repository) applyOptimistic(m Mutation) (Result, error) {
	now := r.opts.Now().UnixMilli()
	if m.Op == OpDelete {
		r.cache.Remove(m.Entity, m.EntityID)
		return Result{}, nil
	}

	switch m.Entity {
	case EntityList:
		if m.Op == OpCreate {
			var in ListInput
			if err := json.Unmarshal(m.Payload, &in); err != nil {
				return Result{}, fmt.Errorf("decode list payload: %w", err)
			}
			l := model.List{ID: m.EntityID, Name: in.Name, OwnerID: r.opts.Account.ID,
				HouseholdID: in.HouseholdID, CreatedAt: now, UpdatedAt: now}
			r.cache.PutList(l)
			return Result{List: &l}, nil
		}
		var p ListPatch
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return Result{}, fmt.Errorf("decode list payload: %w", err)
		}
		l, ok := r.cache.List(m.EntityID)
		if !ok {
			return Result{}, nil
		}
		l.Name = p.Name
		l.UpdatedAt = now
		r.cache.PutList(l)
		return Result{List: &l}, nil

	case EntityItem:
		if m.Op == OpCreate {
			var in ItemInput
			if err := json.Unmarshal(m.Payload, &in); err != nil {
				return Result{}, fmt.Errorf("decode item payload: %w", err)
			}
			it := model.Item{ID: m.EntityID, ListID: m.ParentID, Name: in.Name, Quantity: in.Quantity,
				Unit: in.Unit, CreatedBy: r.opts.Account.ID, CreatedAt: now, UpdatedAt: now}
			r.cache.PutItem(it)
			return Result{Item: &it}, nil
		}
		var p ItemPatch
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return Result{}, fmt.Errorf("decode item payload: %w", err)
		}
		it, ok := r.cache.Item(m.EntityID)
		if !ok {
			return Result{}, nil
		}
		if p.Name != nil {
			it.Name = *p.Name
		}
		if p.Quantity != nil {
			it.Quantity = *p.Quantity
		}
		if p.Unit != nil {
			it.Unit = *p.Unit
		}
		if p.Checked != nil {
			it.Checked = *p.Checked
		}
		it.UpdatedAt = now
		r.cache.PutItem(it)
		return Result{Item: &it}, nil

	case EntityComment:
		var in CommentInput
		if err := json.Unmarshal(m.Payload, &in); err != nil {
			return Result{}, fmt.Errorf("decode comment payload: %w", err)
		}
		if m.Op == OpCreate {
			cm := model.Comment{ID: m.EntityID, ListID: m.ParentID, AuthorID: r.opts.Account.ID,
				AuthorName: r.opts.Account.DisplayName, Text: in.Text, CreatedAt: now, UpdatedAt: now}
			r.cache.PutComment(cm)
			return Result{Comment: &cm}, nil
		}
		cm, ok := r.cache.Comment(m.EntityID)
		if !ok {
			return Result{}, nil
		}
		cm.Text = in.Text
		cm.UpdatedAt = now
		r.cache.PutComment(cm)
		return Result{Comment: &cm}, nil
	}
	return Result{}, fmt.Errorf("invalid entity %q", m.Entity)
}

// RefreshItems replaces the cached items of a list with the server's,
// leaving items with unsent changes alone.
func (r *Repository) RefreshItems(ctx context.Context, listID string) error {
	listID = r.Resolve(EntityList, listID)
	if IsPlaceholder(listID) {
		return nil
	}
	items, err := r.remote.Items(ctx, listID)
	if err != nil {
		return err
	}
	pending, err := r.queue.Pending(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]bool)
	for _, e := range pending {
		if e.Entity == EntityItem {
			keep[r.Resolve(EntityItem, e.EntityID)] = true
		}
	}
	r.cache.ReplaceItems(listID, items, keep)
	return nil
}

type replayGroup struct {
	entity  Entity
	id      string
	entries []QueueEntry
}

func (g *replayGroup) parentID() string {
	if g.entity == EntityList {
		return ""
	}
	for _, e := range g.entries {
		if e.ParentID != "" {
			return e.ParentID
		}
	}
	return ""
}

// groupEntries keeps entries of one entity together, ordered by seq, and
// orders the groups by their first entry.
func groupEntries(entries []QueueEntry) []*replayGroup {
	byKey := make(map[string]*replayGroup)
	var groups []*replayGroup
	for _, e := range entries {
		g, ok := byKey[e.key()]
		if !ok {
			g = &replayGroup{entity: e.Entity, id: e.EntityID}
			byKey[e.key()] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}
	return groups
}

type replayCounters struct {
	sent, dropped, deferred atomic.Int64
}

func (c *replayCounters) report() ReplayReport {
	return ReplayReport{Sent: int(c.sent.Load()), Dropped: int(c.dropped.Load()), Deferred: int(c.deferred.Load())}
}

// ReplayPending sends queued mutations in creation order per entity.
// Entities whose list was itself created offline wait until that list has
// its real id. A connectivity failure stops the pass and leaves every
// unacknowledged entry in place. Concurrent calls share one pass; a caller
// that joined a pass whose initiator gave up starts a new one.
func (r *Repository) ReplayPending(ctx context.Context) (ReplayReport, error) {
	for {
		v, err, _ := r.flight.Do("replay", func() (any, error) {
			rep, err := r.replay(ctx)
			return replayOutcome{report: rep, abandoned: ctx.Err() != nil}, err
		})
		out, _ := v.(replayOutcome)
		if out.abandoned && ctx.Err() == nil {
			continue
		}
		return out.report, err
	}
}

type replayOutcome struct {
	report    ReplayReport
	abandoned bool
}

func (r *Repository) replay(ctx context.Context) (ReplayReport, error) {
	var counters replayCounters
	entries, err := r.queue.Pending(ctx)
	if err != nil {
		return ReplayReport{}, err
	}
	if len(entries) == 0 {
		return ReplayReport{}, nil
	}

	remaining := groupEntries(entries)
	for len(remaining) > 0 {
		var wave, blocked []*replayGroup
		for _, g := range remaining {
			if IsPlaceholder(r.Resolve(EntityList, g.parentID())) {
				blocked = append(blocked, g)
			} else {
				wave = append(wave, g)
			}
		}
		if len(wave) == 0 {
			break
		}

		eg, egctx := errgroup.WithContext(ctx)
		eg.SetLimit(r.opts.Parallelism)
		for _, g := range wave {
			eg.Go(func() error {
				return r.replayGroup(egctx, g, &counters)
			})
		}
		if err := eg.Wait(); err != nil {
			rep := counters.report()
			r.logger.Info("replay interrupted", zap.Int("sent", rep.Sent), zap.Error(err))
			return rep, err
		}
		remaining = blocked
	}
	for _, g := range remaining {
		counters.deferred.Add(int64(len(g.entries)))
	}

	rep := counters.report()
	r.logger.Info("replay finished", zap.Int("sent", rep.Sent),
		zap.Int("dropped", rep.Dropped), zap.Int("deferred", rep.Deferred))
	return rep, nil
}

// replayGroup sends one entity's entries in order. It returns an error only
// when the pass must stop; a rejected entry just ends this entity's turn.
func (r *Repository) replayGroup(ctx context.Context, g *replayGroup, counters *replayCounters) error {
	unlock := r.locks.Lock(entityKey(g.entity, g.id))
	defer unlock()

	now := r.opts.Now()
	for i, e := range g.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.Due(now) {
			counters.deferred.Add(int64(len(g.entries) - i))
			return nil
		}

		m := e.Mutation()
		if m.Op != OpCreate {
			m.EntityID = r.Resolve(m.Entity, m.EntityID)
		}
		m.ParentID = r.Resolve(EntityList, m.ParentID)
		if IsPlaceholder(m.ParentID) {
			counters.deferred.Add(int64(len(g.entries) - i))
			return nil
		}
		if m.Op != OpCreate && IsPlaceholder(m.EntityID) {
			// No create precedes it in this group, so no real id will ever
			// arrive.
			if err := r.dropOrphan(ctx, e); err != nil {
				return err
			}
			counters.dropped.Add(1)
			continue
		}

		res, err := r.remote.Apply(ctx, m)
		switch {
		case err == nil:
			release, err := r.acknowledge(ctx, e, m, res)
			if err != nil {
				return err
			}
			if release != nil {
				defer release()
			}
			counters.sent.Add(1)

		case m.Op == OpDelete && isNotFound(err):
			if err := r.queue.Ack(ctx, e.Seq); err != nil {
				return err
			}
			r.cache.Remove(m.Entity, m.EntityID)
			counters.sent.Add(1)

		case IsConnectivityError(err):
			return fmt.Errorf("replay %s %s: %w", m.Op, m.Entity, err)

		default:
			dropped, ferr := r.recordFailure(ctx, e, m, err)
			if ferr != nil {
				return ferr
			}
			left := len(g.entries) - i
			if dropped {
				counters.dropped.Add(1)
				left--
				if m.Op == OpCreate {
					left = 0
				}
			}
			counters.deferred.Add(int64(left))
			return nil
		}
	}
	return nil
}

// acknowledge removes a sent entry. For a create it also moves every
// reference from the placeholder to the real id, and returns the unlock of
// the real id's lock, which the caller holds until the group is done.
func (r *Repository) acknowledge(ctx context.Context, e QueueEntry, m Mutation, res Result) (func(), error) {
	if m.Op != OpCreate {
		if err := r.queue.Ack(ctx, e.Seq); err != nil {
			return nil, err
		}
		r.applyResult(m, res)
		return nil, nil
	}

	placeholder := e.EntityID
	realID := res.ID()
	if realID == "" {
		return nil, fmt.Errorf("create %s: server returned no id", m.Entity)
	}
	if err := r.queue.AckCreate(ctx, e.Seq, m.Entity, placeholder, realID); err != nil {
		return nil, err
	}
	release := r.locks.Lock(entityKey(m.Entity, realID))
	r.cache.Rename(m.Entity, placeholder, realID)
	r.cache.putResult(res)
	r.setAlias(m.Entity, placeholder, realID)
	r.logger.Debug("placeholder resolved", zap.String("entity", string(m.Entity)),
		zap.String("placeholder", placeholder), zap.String("id", realID))
	return release, nil
}

func (r *Repository) dropOrphan(ctx context.Context, e QueueEntry) error {
	if err := r.queue.Ack(ctx, e.Seq); err != nil {
		return err
	}
	cause := fmt.Errorf("%w: %s %s", ErrUnknownEntity, e.Entity, e.EntityID)
	r.logger.Warn("dropping orphaned mutation", zap.Int64("seq", e.Seq),
		zap.String("op", string(e.Op)), zap.Error(cause))
	if r.opts.OnPermanentFailure != nil {
		r.opts.OnPermanentFailure(e, cause)
	}
	return nil
}

func (r *Repository) backoff(attempt int) time.Duration {
	d := r.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.opts.BackoffMax {
			return r.opts.BackoffMax
		}
	}
	return d
}

// recordFailure schedules a retry, or drops the entry once it has used up
// its attempts. A dropped create takes its dependants and the optimistic
// entity with it.
func (r *Repository) recordFailure(ctx context.Context, e QueueEntry, m Mutation, cause error) (bool, error) {
	attempt := e.Attempts + 1
	log := r.logger.With(zap.Int64("seq", e.Seq), zap.String("op", string(m.Op)),
		zap.String("entity", string(m.Entity)), zap.Int("attempt", attempt), zap.Error(cause))

	if attempt < r.opts.MaxAttempts {
		next := r.opts.Now().Add(r.backoff(attempt))
		if _, err := r.queue.RecordFailure(ctx, e.Seq, cause, next); err != nil {
			return false, err
		}
		log.Warn("replay rejected, will retry", zap.Time("next_attempt", next))
		return false, nil
	}

	if m.Op == OpCreate {
		if err := r.discardLocal(ctx, m.Entity, e.EntityID); err != nil {
			return false, err
		}
	} else if err := r.queue.Ack(ctx, e.Seq); err != nil {
		return false, err
	}
	e.Attempts = attempt
	e.LastError = cause.Error()
	log.Error("replay rejected permanently, dropping")
	if r.opts.OnPermanentFailure != nil {
		r.opts.OnPermanentFailure(e, cause)
	}
	return true, nil
}
