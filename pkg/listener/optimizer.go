package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dmitrymomot/entitlements/pkg/logger"
	"github.com/dmitrymomot/entitlements/pkg/remotestore"
)

// Source opens realtime feeds. remotestore.Store satisfies it.
type Source interface {
	Subscribe(ctx context.Context, q remotestore.Query, onSnapshot remotestore.SnapshotFunc, onError remotestore.ErrorFunc) (remotestore.Subscription, error)
}

// Decoder turns a remote document into an item.
type Decoder[T any] func(doc remotestore.Document) (T, error)

// Callback receives the materialized result of a query. All subscribers of
// a group receive the same slice and must not modify it.
type Callback[T any] func(items []T)

// Stats is a point-in-time view of the optimizer.
type Stats struct {
	Groups       int
	Subscribers  int
	Connections  int
	Created      int64
	TornDown     int64
	Recreated    int64
	Updates      int64
	Deliveries   int64
	Errors       int64
	Panics       int64
	DecodeErrors int64
}

// ErrorRate is the share of remote feed events that were errors.
func (s Stats) ErrorRate() float64 {
	total := s.Updates + s.Errors
	if total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(total)
}

// Optimizer shares one remote subscription among every subscriber of the
// same query, debounces bursts of updates and recreates failed feeds.
type Optimizer[T any] struct {
	source Source
	decode Decoder[T]
	opts   options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	groups map[string]*group[T]
	closed bool

	created      atomic.Int64
	tornDown     atomic.Int64
	recreated    atomic.Int64
	updates      atomic.Int64
	deliveries   atomic.Int64
	errors       atomic.Int64
	panics       atomic.Int64
	decodeErrors atomic.Int64
}

// New creates an optimizer reading feeds from src.
func New[T any](src Source, decode Decoder[T], opts ...Option) *Optimizer[T] {
	if src == nil || decode == nil {
		panic("listener: source and decoder are required")
	}

	o := options{
		debounce:   DefaultDebounce,
		retryDelay: DefaultRetryDelay,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Optimizer[T]{
		source: src,
		decode: decode,
		opts:   o,
		logger: o.logger.With(logger.Component("listener")),
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string]*group[T]),
	}
}

// JSONDecoder decodes documents with Document.Decode.
func JSONDecoder[T any]() Decoder[T] {
	return func(doc remotestore.Document) (T, error) {
		var v T
		err := doc.Decode(&v)
		return v, err
	}
}

// Subscribe registers cb for the results of q under subscriberID. The first
// subscriber of a query opens the remote feed; later ones share it and
// immediately receive the last delivered batch. An empty subscriberID gets
// a generated one. The returned function unsubscribes and is safe to call
// more than once; cancelling ctx has the same effect.
func (o *Optimizer[T]) Subscribe(ctx context.Context, q remotestore.Query, subscriberID string, cb Callback[T]) (func(), error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if subscriberID == "" {
		subscriberID = uuid.New().String()
	}
	key := q.Key()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	g, exists := o.groups[key]
	if !exists {
		g = newGroup(o, key, q)
		o.groups[key] = g
	}
	// Registered before the feed opens so cleanup never sees the group empty.
	replay, hasReplay := g.add(subscriberID, cb)
	o.mu.Unlock()

	if !exists {
		if err := o.open(g); err != nil {
			return nil, err
		}
	} else if err := g.wait(ctx); err != nil {
		o.unsubscribe(g, subscriberID)
		return nil, err
	}

	if hasReplay {
		o.invoke(key, subscriberID, cb, replay)
	}

	var once sync.Once
	release := func() {
		once.Do(func() { o.unsubscribe(g, subscriberID) })
	}
	stop := context.AfterFunc(ctx, release)
	return func() {
		stop()
		release()
	}, nil
}

// open starts the feed of a new group without holding o.mu. When it fails
// the group is dropped and every subscriber waiting on it gets the error.
func (o *Optimizer[T]) open(g *group[T]) error {
	err := g.open()
	g.markReady(err)
	if err != nil {
		o.mu.Lock()
		if o.groups[g.key] == g {
			delete(o.groups, g.key)
		}
		o.mu.Unlock()
		g.teardown()
		return err
	}
	o.created.Add(1)
	o.logger.Debug("listener group created", logger.GroupKey(g.key))
	return nil
}

// CleanupEmpty tears down groups that have no subscribers left and returns
// how many were removed.
func (o *Optimizer[T]) CleanupEmpty() int {
	o.mu.Lock()
	var empty []*group[T]
	for key, g := range o.groups {
		if g.size() == 0 {
			delete(o.groups, key)
			empty = append(empty, g)
		}
	}
	o.mu.Unlock()

	for _, g := range empty {
		g.teardown()
		o.tornDown.Add(1)
	}
	return len(empty)
}

// Rebuild replaces the remote feed of every group with a new one. Subscribers
// and their last batch are kept.
func (o *Optimizer[T]) Rebuild() (int, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, ErrClosed
	}
	groups := make([]*group[T], 0, len(o.groups))
	for _, g := range o.groups {
		groups = append(groups, g)
	}
	o.mu.Unlock()

	var errs []error
	rebuilt := 0
	for _, g := range groups {
		if err := g.reopen(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.key, err))
			g.scheduleRetry()
			continue
		}
		rebuilt++
	}
	o.logger.Info("listener groups rebuilt", slog.Int("groups", rebuilt), slog.Int("failed", len(errs)))
	return rebuilt, errors.Join(errs...)
}

// Close tears down every group. Subscribe fails afterwards.
func (o *Optimizer[T]) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	groups := o.groups
	o.groups = make(map[string]*group[T])
	o.mu.Unlock()

	for _, g := range groups {
		g.teardown()
		o.tornDown.Add(1)
	}
	o.cancel()
	return nil
}

// Stats returns a snapshot of group counts and feed counters. A group whose
// feed is still opening counts as not connected.
func (o *Optimizer[T]) Stats() Stats {
	o.mu.Lock()
	s := Stats{Groups: len(o.groups)}
	for _, g := range o.groups {
		subs, connected := g.status()
		s.Subscribers += subs
		if connected {
			s.Connections++
		}
	}
	o.mu.Unlock()

	s.Created = o.created.Load()
	s.TornDown = o.tornDown.Load()
	s.Recreated = o.recreated.Load()
	s.Updates = o.updates.Load()
	s.Deliveries = o.deliveries.Load()
	s.Errors = o.errors.Load()
	s.Panics = o.panics.Load()
	s.DecodeErrors = o.decodeErrors.Load()
	return s
}

func (o *Optimizer[T]) unsubscribe(g *group[T], subscriberID string) {
	o.mu.Lock()
	remaining := g.remove(subscriberID)
	if remaining > 0 || o.groups[g.key] != g {
		o.mu.Unlock()
		return
	}
	delete(o.groups, g.key)
	o.mu.Unlock()

	g.teardown()
	o.tornDown.Add(1)
	o.logger.Debug("listener group torn down", logger.GroupKey(g.key))
}

// invoke runs one callback, isolating its panics from other subscribers.
func (o *Optimizer[T]) invoke(key, subscriberID string, cb Callback[T], items []T) {
	defer func() {
		if r := recover(); r != nil {
			o.panics.Add(1)
			o.logger.Error("listener callback panicked",
				logger.GroupKey(key),
				slog.String("subscriber", subscriberID),
				slog.Any("panic", r))
		}
	}()
	cb(items)
}
