// Package listsync keeps one shopping list and its items synchronized with
// the row store.
//
// A Session owns the list's local state. Mutations are applied locally first
// where that is safe, then written remotely; the change events those writes
// produce are merged by identifier, so an event for an already-applied write
// is a no-op. List status is derived from item purchase flags after every
// item change and written back when it differs from the persisted value.
package listsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/listenupapp/cartshare/internal/clock"
	"github.com/listenupapp/cartshare/internal/domain"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/snapshot"
	"github.com/listenupapp/cartshare/internal/validation"
)

// State is the subscription lifecycle state of a Session.
type State string

// Session states.
const (
	StateIdle        State = "idle"
	StateSubscribing State = "subscribing"
	StateActive      State = "active"
	StateDegraded    State = "degraded"
	StateTornDown    State = "torn_down"
)

// DefaultResubscribeDelay is used when Config.ResubscribeDelay is zero.
const DefaultResubscribeDelay = 2 * time.Second

// ErrClosed is returned by mutations on a torn down session.
var ErrClosed = domainerrors.Unavailable("list session closed")

// Resolver maps a recipient handle to a user.
type Resolver interface {
	FindUserByHandle(ctx context.Context, handle string) (domain.User, error)
}

// Snapshot is a deep copy of a session's local state.
type Snapshot struct {
	List    *domain.List
	Items   []domain.Item
	State   State
	Deleted bool
}

// Config configures a Session.
type Config struct {
	ListID  string
	ActorID string

	Store     rowstore.Client
	Resolver  Resolver
	Validator *validation.Validator
	Policy    Policy
	Clock     clock.Clock
	Logger    *slog.Logger

	// OnChange is called after every change to local state, outside the
	// session lock. Calls never overlap and never go back in time: a
	// snapshot older than one already delivered is skipped.
	OnChange func(Snapshot)

	ResubscribeDelay time.Duration
}

// statusTransition is a conditional status write: to, if the stored value is still from.
type statusTransition struct {
	from, to domain.Status
}

// Session is the live, locally materialized view of one list.
type Session struct {
	listID   string
	actorID  string
	store    rowstore.Client
	resolver Resolver
	validate *validation.Validator
	policy   Policy
	clock    clock.Clock
	logger   *slog.Logger
	pub      *snapshot.Publisher[Snapshot]
	delay    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu        sync.Mutex
	alive     bool
	deleted   bool
	state     State
	list      *domain.List
	items     []domain.Item
	persisted domain.Status   // last status observed from the store
	inflight  statusTransition // write-back in progress, if any

	gen       int
	listSub   rowstore.Subscription
	itemSub   rowstore.Subscription
	listReady bool
	itemReady bool
	retry     clock.Timer
}

// Open loads the list and its items, then subscribes to changes on both.
// A failed snapshot fails Open; a failed subscription leaves the session
// degraded and retrying.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ListID == "" {
		return nil, domainerrors.Invalid("list id is required")
	}
	if cfg.Store == nil {
		return nil, domainerrors.Invalid("row store is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy{}
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.New()
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = DefaultResubscribeDelay
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		listID:   cfg.ListID,
		actorID:  cfg.ActorID,
		store:    cfg.Store,
		resolver: cfg.Resolver,
		validate: cfg.Validator,
		policy:   cfg.Policy,
		clock:    clock.OrReal(cfg.Clock),
		logger:   logger.OrDiscard(cfg.Logger).With("list_id", cfg.ListID),
		pub:      snapshot.NewPublisher(cfg.OnChange),
		delay:    cfg.ResubscribeDelay,
		ctx:      sctx,
		cancel:   cancel,
		alive:    true,
		state:    StateIdle,
	}

	list, items, err := s.fetch(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.mu.Lock()
	s.list, s.items, s.persisted = list, items, list.Status
	s.deriveLocked()
	s.state = StateSubscribing
	s.mu.Unlock()

	if err := s.subscribe(ctx); err != nil {
		s.logger.Warn("initial subscribe failed", "error", err)
		s.enterDegraded(err, false)
	}
	s.writeBackStatus()
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Deleted reports whether the list was deleted, locally or by the counterpart.
func (s *Session) Deleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

// Snapshot returns a deep copy of the local list and items.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		List:    s.list.Clone(),
		Items:   cloneItems(s.items),
		State:   s.state,
		Deleted: s.deleted,
	}
}

// Refresh replaces local state with an authoritative reload.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.isAlive() {
		return ErrClosed
	}
	return s.reload(ctx)
}

// Close releases both subscriptions. Callbacks that arrive afterwards are
// dropped. Close is idempotent.
func (s *Session) Close() error {
	subs, ok := s.teardown()
	if !ok {
		return nil
	}
	s.cancel()
	return unsubscribeAll(s.store, subs)
}

func (s *Session) teardown() ([]rowstore.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return nil, false
	}
	s.alive = false
	s.state = StateTornDown
	s.gen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	subs := []rowstore.Subscription{s.listSub, s.itemSub}
	s.listSub, s.itemSub = nil, nil
	return subs, true
}

func (s *Session) isAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// stampLocked copies the state for delivery once the lock is released.
func (s *Session) stampLocked() snapshot.Versioned[Snapshot] {
	return s.pub.Stamp(s.snapshotLocked())
}

func (s *Session) notify(snap snapshot.Versioned[Snapshot]) {
	s.pub.Publish(snap)
}

// fetch reads the list row and its items.
func (s *Session) fetch(ctx context.Context) (*domain.List, []domain.Item, error) {
	rows, err := s.store.Select(ctx, rowstore.Lists, rowstore.Eq("id", s.listID).WithLimit(1))
	if err != nil {
		return nil, nil, domainerrors.Classify(err, "load list")
	}
	if len(rows) == 0 {
		return nil, nil, domainerrors.NotFoundf("list %s not found", s.listID)
	}
	list, err := rowstore.DecodeList(rows[0])
	if err != nil {
		return nil, nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "decode list")
	}

	itemRows, err := s.store.Select(ctx, rowstore.Items, rowstore.Eq("list_id", s.listID).Order("created_at", false))
	if err != nil {
		return nil, nil, domainerrors.Classify(err, "load items")
	}
	items, err := rowstore.DecodeItems(itemRows)
	if err != nil {
		return nil, nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "decode items")
	}
	return list, items, nil
}

// reload replaces local state wholesale. A missing list row means the list
// was deleted and tears the session down.
func (s *Session) reload(ctx context.Context) error {
	list, items, err := s.fetch(ctx)
	if domainerrors.Is(err, domainerrors.ErrNotFound) {
		s.markDeleted()
		return err
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return nil
	}
	s.list, s.items, s.persisted = list, items, list.Status
	s.deriveLocked()
	snap := s.stampLocked()
	s.mu.Unlock()

	s.notify(snap)
	s.writeBackStatus()
	return nil
}

// deriveLocked recomputes the local status from local items.
func (s *Session) deriveLocked() {
	s.list.Status = domain.DeriveStatus(s.items, s.list.Status)
}

// subscribe opens both subscriptions under a fresh generation. Callbacks
// carrying an older generation are ignored.
func (s *Session) subscribe(ctx context.Context) error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.listReady, s.itemReady = false, false
	s.mu.Unlock()

	listSub, err := s.store.Subscribe(ctx, rowstore.Lists, rowstore.Eq("id", s.listID), s.handler(gen, rowstore.Lists))
	if err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "subscribe to list")
	}
	itemSub, err := s.store.Subscribe(ctx, rowstore.Items, rowstore.Eq("list_id", s.listID), s.handler(gen, rowstore.Items))
	if err != nil {
		_ = s.store.Unsubscribe(listSub)
		return domainerrors.Wrap(err, domainerrors.CodeUnavailable, "subscribe to items")
	}

	s.mu.Lock()
	if !s.alive || s.gen != gen {
		// Closed or failed while subscribing.
		s.mu.Unlock()
		return unsubscribeAll(s.store, []rowstore.Subscription{listSub, itemSub})
	}
	s.listSub, s.itemSub = listSub, itemSub
	s.mu.Unlock()
	return nil
}

func (s *Session) handler(gen int, collection rowstore.Collection) rowstore.Handler {
	return rowstore.Handler{
		OnChange: func(c rowstore.Change) {
			switch collection {
			case rowstore.Lists:
				s.onListChange(gen, c)
			case rowstore.Items:
				s.onItemChange(gen, c)
			}
		},
		OnStatus: func(status rowstore.SubscriptionStatus, err error) {
			s.onStatus(gen, collection, status, err)
		},
	}
}

func (s *Session) onStatus(gen int, collection rowstore.Collection, status rowstore.SubscriptionStatus, err error) {
	if status != rowstore.StatusSubscribed {
		s.logger.Warn("subscription lost", "collection", collection, "status", status, "error", err)
		s.degrade(gen, err)
		return
	}

	s.mu.Lock()
	if !s.alive || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if collection == rowstore.Lists {
		s.listReady = true
	} else {
		s.itemReady = true
	}
	if !s.listReady || !s.itemReady {
		s.mu.Unlock()
		return
	}
	recovered := s.state == StateDegraded
	s.state = StateActive
	snap := s.stampLocked()
	s.mu.Unlock()

	s.logger.Debug("session active", "recovered", recovered)
	if recovered {
		// Backfill anything committed between the degraded reload and
		// the new subscriptions.
		if err := s.reload(s.ctx); err != nil {
			s.logger.Warn("backfill after resubscribe failed", "error", err)
		}
		return
	}
	s.notify(snap)
}

// degrade handles a subscription failure of generation gen.
func (s *Session) degrade(gen int, cause error) {
	s.mu.Lock()
	if !s.alive || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.enterDegraded(cause, true)
}

// enterDegraded releases the current subscriptions, reloads once, and
// schedules a resubscribe.
func (s *Session) enterDegraded(cause error, reload bool) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.state = StateDegraded
	subs := []rowstore.Subscription{s.listSub, s.itemSub}
	s.listSub, s.itemSub = nil, nil
	snap := s.stampLocked()
	s.mu.Unlock()

	if err := unsubscribeAll(s.store, subs); err != nil {
		s.logger.Debug("release failed subscriptions", "error", err)
	}
	s.notify(snap)

	if reload {
		if err := s.reload(s.ctx); err != nil && !domainerrors.Is(err, domainerrors.ErrNotFound) {
			s.logger.Warn("reload while degraded failed", "error", err, "cause", cause)
		}
	}
	s.scheduleResubscribe()
}

func (s *Session) scheduleResubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive || s.retry != nil {
		return
	}
	s.retry = s.clock.AfterFunc(s.delay, s.resubscribe)
}

func (s *Session) resubscribe() {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.mu.Unlock()

	if err := s.subscribe(s.ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		s.logger.Warn("resubscribe failed", "error", err)
		s.scheduleResubscribe()
	}
}

func (s *Session) onListChange(gen int, c rowstore.Change) {
	ch, err := rowstore.DecodeListChange(c)
	if err != nil {
		s.logger.Warn("dropping undecodable list event", "error", err)
		return
	}

	if ch.Kind == rowstore.Deleted {
		s.mu.Lock()
		current := s.alive && gen == s.gen
		s.mu.Unlock()
		if current {
			s.markDeleted()
		}
		return
	}

	s.mu.Lock()
	if !s.alive || gen != s.gen {
		s.mu.Unlock()
		return
	}
	next := ApplyListChange(s.list, ch)
	s.persisted = next.Status
	// Metadata comes from the event; status stays derived from the items
	// this session holds.
	next.Status = domain.DeriveStatus(s.items, next.Status)
	s.list = next
	snap := s.stampLocked()
	s.mu.Unlock()

	s.notify(snap)
	s.writeBackStatus()
}

func (s *Session) onItemChange(gen int, c rowstore.Change) {
	ch, err := rowstore.DecodeItemChange(c)
	if err != nil {
		s.logger.Warn("dropping undecodable item event", "error", err)
		return
	}

	s.mu.Lock()
	if !s.alive || gen != s.gen {
		s.mu.Unlock()
		return
	}
	items, changed := ApplyItemChange(s.items, ch)
	if !changed {
		s.mu.Unlock()
		// Already applied; the status may still need persisting.
		s.writeBackStatus()
		return
	}
	s.items = items
	s.deriveLocked()
	snap := s.stampLocked()
	s.mu.Unlock()

	s.notify(snap)
	s.writeBackStatus()
}

// markDeleted records that the list row is gone and tears the session down.
func (s *Session) markDeleted() {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.deleted = true
	s.mu.Unlock()

	subs, ok := s.teardown()
	if !ok {
		return
	}
	s.cancel()
	if err := unsubscribeAll(s.store, subs); err != nil {
		s.logger.Debug("release subscriptions of deleted list", "error", err)
	}
	s.logger.Info("list deleted")
	s.mu.Lock()
	snap := s.stampLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// writeBackStatus persists a derived status that differs from the last
// observed one. The write is conditional on that observed status so two
// clients recomputing at once cannot lose an update. Failures are logged.
func (s *Session) writeBackStatus() {
	s.mu.Lock()
	if !s.alive || s.list == nil {
		s.mu.Unlock()
		return
	}
	tr := statusTransition{from: s.persisted, to: s.list.Status}
	if tr.to == tr.from || tr == s.inflight {
		s.mu.Unlock()
		return
	}
	s.inflight = tr
	s.bg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.bg.Done()
		applied, err := rowstore.UpdateIf(s.ctx, s.store, rowstore.Lists,
			s.attributed(rowstore.Row{"status": string(tr.to)}),
			rowstore.Eq("id", s.listID).And("status", string(tr.from)))

		s.mu.Lock()
		if s.inflight == tr {
			s.inflight = statusTransition{}
		}
		if err == nil && applied && s.alive && s.persisted == tr.from {
			s.persisted = tr.to
		}
		s.mu.Unlock()

		// A lost race is settled by the list event carrying the other
		// writer's status, which triggers a fresh write-back.
		switch {
		case err != nil:
			s.logger.Warn("status write-back failed", "status", tr.to, "error", err)
		case !applied:
			s.logger.Debug("status write-back lost race", "status", tr.to, "expected", tr.from)
		default:
			s.logger.Debug("status written back", "from", tr.from, "to", tr.to)
		}
	}()
}

// waitBackground blocks until in-flight status write-backs finish.
func (s *Session) waitBackground() {
	s.bg.Wait()
}

func unsubscribeAll(store rowstore.Client, subs []rowstore.Subscription) error {
	var errs []error
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := store.Unsubscribe(sub); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
