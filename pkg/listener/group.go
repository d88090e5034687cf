package listener

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dmitrymomot/entitlements/pkg/logger"
	"github.com/dmitrymomot/entitlements/pkg/remotestore"
)

// group is one remote feed shared by every subscriber of a query. Updates
// land in a single pending slot and one debounce timer delivers the latest.
type group[T any] struct {
	key   string
	query remotestore.Query
	opt   *Optimizer[T]

	mu          sync.Mutex
	subscribers map[string]Callback[T]
	feed        remotestore.Subscription
	generation  int
	pending     *remotestore.Snapshot
	debounce    *time.Timer
	retry       *time.Timer
	last        []T
	hasLast     bool
	closed      bool

	// ready is closed once the first feed has opened or failed to.
	ready   chan struct{}
	openErr error

	// flushMu keeps deliveries in arrival order.
	flushMu sync.Mutex
}

func newGroup[T any](o *Optimizer[T], key string, q remotestore.Query) *group[T] {
	return &group[T]{
		key:         key,
		query:       q,
		opt:         o,
		subscribers: make(map[string]Callback[T]),
		ready:       make(chan struct{}),
	}
}

// open starts the first feed of the group.
func (g *group[T]) open() error {
	g.mu.Lock()
	g.generation++
	gen := g.generation
	g.mu.Unlock()

	feed, err := g.subscribe(gen)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		_ = feed.Close()
		return ErrClosed
	}
	if g.generation == gen {
		g.feed = feed
	} else {
		// A rebuild already replaced it.
		_ = feed.Close()
	}
	return nil
}

func (g *group[T]) markReady(err error) {
	g.mu.Lock()
	g.openErr = err
	g.mu.Unlock()
	close(g.ready)
}

// wait blocks until the first feed is open and returns its error.
func (g *group[T]) wait(ctx context.Context) error {
	select {
	case <-g.ready:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.openErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reopen closes the current feed and opens a new one. Events from the old
// feed are ignored from here on.
func (g *group[T]) reopen() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.generation++
	gen := g.generation
	old := g.feed
	g.feed = nil
	g.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	feed, err := g.subscribe(gen)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.generation != gen {
		_ = feed.Close()
		return nil
	}
	g.feed = feed
	return nil
}

func (g *group[T]) subscribe(gen int) (remotestore.Subscription, error) {
	feed, err := g.opt.source.Subscribe(g.opt.ctx, g.query,
		func(s remotestore.Snapshot) { g.onSnapshot(gen, s) },
		func(err error) { g.onError(gen, err) },
	)
	if err != nil {
		return nil, errors.Join(ErrSubscribeFailed, err)
	}
	return feed, nil
}

func (g *group[T]) add(id string, cb Callback[T]) ([]T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers[id] = cb
	return g.last, g.hasLast
}

func (g *group[T]) remove(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribers, id)
	return len(g.subscribers)
}

func (g *group[T]) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribers)
}

func (g *group[T]) status() (subscribers int, connected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribers), g.feed != nil
}

func (g *group[T]) onSnapshot(gen int, s remotestore.Snapshot) {
	g.mu.Lock()
	if g.closed || gen != g.generation {
		g.mu.Unlock()
		return
	}
	g.opt.updates.Add(1)
	g.pending = &s

	if g.opt.opts.debounce <= 0 {
		g.mu.Unlock()
		g.flush()
		return
	}
	if g.debounce == nil {
		g.debounce = time.AfterFunc(g.opt.opts.debounce, g.flush)
	} else {
		g.debounce.Reset(g.opt.opts.debounce)
	}
	g.mu.Unlock()
}

// flush delivers the pending snapshot to every subscriber.
func (g *group[T]) flush() {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()

	g.mu.Lock()
	snap := g.pending
	g.pending = nil
	if g.closed || snap == nil {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	items := make([]T, 0, len(snap.Documents))
	for _, doc := range snap.Documents {
		item, err := g.opt.decode(doc)
		if err != nil {
			g.opt.decodeErrors.Add(1)
			g.opt.logger.Warn("skipping undecodable document",
				logger.GroupKey(g.key),
				slog.String("document", doc.ID),
				logger.Error(err))
			continue
		}
		items = append(items, item)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.last, g.hasLast = items, true
	subscribers := maps.Clone(g.subscribers)
	g.mu.Unlock()

	g.opt.deliveries.Add(1)
	for id, cb := range subscribers {
		g.opt.invoke(g.key, id, cb, items)
	}
}

// onError drops the broken feed and schedules its recreation. Subscribers
// stay registered.
func (g *group[T]) onError(gen int, err error) {
	g.mu.Lock()
	if g.closed || gen != g.generation {
		g.mu.Unlock()
		return
	}
	g.opt.errors.Add(1)
	feed := g.feed
	g.feed = nil
	g.mu.Unlock()

	g.opt.logger.Warn("listener feed failed",
		logger.GroupKey(g.key),
		logger.Duration(g.opt.opts.retryDelay),
		logger.Error(err))

	if feed != nil {
		_ = feed.Close()
	}
	g.scheduleRetry()
}

func (g *group[T]) scheduleRetry() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.retry != nil {
		return
	}
	g.retry = time.AfterFunc(g.opt.opts.retryDelay, g.recreate)
}

func (g *group[T]) recreate() {
	g.mu.Lock()
	g.retry = nil
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}

	if err := g.reopen(); err != nil {
		g.opt.errors.Add(1)
		g.opt.logger.Warn("listener feed recreation failed", logger.GroupKey(g.key), logger.Error(err))
		g.scheduleRetry()
		return
	}
	g.opt.recreated.Add(1)
	g.opt.logger.Info("listener feed recreated", logger.GroupKey(g.key))
}

// teardown closes the feed and stops both timers so nothing fires into a
// destroyed group.
func (g *group[T]) teardown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	if g.debounce != nil {
		g.debounce.Stop()
	}
	if g.retry != nil {
		g.retry.Stop()
	}
	g.pending = nil
	feed := g.feed
	g.feed = nil
	g.mu.Unlock()

	if feed != nil {
		_ = feed.Close()
	}
}
