// Package memstore is an in-memory rowstore.Client.
//
// Change events are queued on commit and drained by a single dispatcher, so a
// subscription sees events in commit order. By default the writer drains the
// queue before its call returns; with Manual delivery nothing is delivered
// until Flush, which lets tests choose whether a write's response or its
// change event arrives first.
package memstore

import (
	"context"
	"sync"
	"time"

	domainerrors "github.com/listenupapp/cartshare/internal/errors"

	"github.com/listenupapp/cartshare/internal/clock"
	"github.com/listenupapp/cartshare/internal/domain"
	"github.com/listenupapp/cartshare/internal/id"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// Op names a store operation for fault injection.
type Op string

// Operations that can be made to fail.
const (
	OpSelect    Op = "select"
	OpInsert    Op = "insert"
	OpUpdate    Op = "update"
	OpDelete    Op = "delete"
	OpSubscribe Op = "subscribe"
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for server-assigned timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Manual defers event delivery until Flush is called.
func Manual() Option {
	return func(s *Store) { s.manual = true }
}

// Concurrent hands each subscription's callbacks to a goroutine of its own,
// in order per subscription but concurrently across subscriptions, as a
// network client does. A callback already handed off may still run after
// Unsubscribe. Settle waits for delivery to go idle.
func Concurrent() Option {
	return func(s *Store) { s.concurrent = true }
}

// Store keeps rows per collection in insertion order.
type Store struct {
	clock      clock.Clock
	manual     bool
	concurrent bool
	inflight   sync.WaitGroup

	mu       sync.Mutex
	tables   map[rowstore.Collection][]rowstore.Row
	subs     map[string]*subscription
	queue    []delivery
	draining bool
	offline  bool
	faults   map[Op][]error
	calls    map[Op]int
}

type subscription struct {
	id         string
	collection rowstore.Collection
	filter     rowstore.Filter
	handler    rowstore.Handler
	live       bool
	mailbox    mailbox
}

func (s *subscription) ID() string                      { return s.id }
func (s *subscription) Collection() rowstore.Collection { return s.collection }

type delivery struct {
	sub    *subscription
	change *rowstore.Change
	status rowstore.SubscriptionStatus
	err    error
}

var _ rowstore.Client = (*Store)(nil)
var _ rowstore.Conditional = (*Store)(nil)

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tables: make(map[rowstore.Collection][]rowstore.Row),
		subs:   make(map[string]*subscription),
		faults: make(map[Op][]error),
		calls:  make(map[Op]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrReal(s.clock)
	return s
}

// Seed inserts rows without validation, id assignment or change events.
func (s *Store) Seed(collection rowstore.Collection, rows ...rowstore.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[collection] = append(s.tables[collection], r.Clone())
	}
}

// Rows returns a copy of every row in collection.
func (s *Store) Rows(collection rowstore.Collection) []rowstore.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRows(s.tables[collection])
}

// FailNext makes the next call of op return err. Multiple calls queue.
func (s *Store) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Calls returns how many times op has been invoked.
func (s *Store) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SetOffline makes every operation fail with Unavailable while on is true.
// Going offline also errors every live subscription.
func (s *Store) SetOffline(on bool) {
	s.mu.Lock()
	s.offline = on
	if on {
		for _, sub := range s.subs {
			s.killLocked(sub, rowstore.StatusError, domainerrors.Unavailable("connection lost"))
		}
	}
	s.mu.Unlock()
	s.dispatch()
}

// Drop terminates every live subscription on collection with status.
func (s *Store) Drop(collection rowstore.Collection, status rowstore.SubscriptionStatus, err error) {
	s.mu.Lock()
	for _, sub := range s.subs {
		if sub.collection == collection {
			s.killLocked(sub, status, err)
		}
	}
	s.mu.Unlock()
	s.dispatch()
}

// Subscribers returns the number of live subscriptions on collection.
func (s *Store) Subscribers(collection rowstore.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.collection == collection {
			n++
		}
	}
	return n
}

// Emit queues a raw change for matching subscribers without touching stored
// rows, simulating a redelivery on an at-least-once channel.
func (s *Store) Emit(change rowstore.Change) {
	s.mu.Lock()
	s.publishLocked(change)
	s.mu.Unlock()
	s.dispatch()
}

// Pending returns the number of undelivered events.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Flush delivers every queued event, including ones queued by handlers
// during the flush.
func (s *Store) Flush() {
	s.drain(true)
}

// Select returns the rows matching filter.
func (s *Store) Select(_ context.Context, collection rowstore.Collection, filter rowstore.Filter) ([]rowstore.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.beginLocked(OpSelect); err != nil {
		return nil, err
	}
	return cloneRows(filter.Apply(s.tables[collection])), nil
}

// Insert stores rows, assigning ids and created_at when absent.
func (s *Store) Insert(_ context.Context, collection rowstore.Collection, rows ...rowstore.Row) ([]rowstore.Row, error) {
	s.mu.Lock()
	inserted, err := s.insertLocked(collection, rows)
	s.mu.Unlock()
	s.dispatch()
	return inserted, err
}

func (s *Store) insertLocked(collection rowstore.Collection, rows []rowstore.Row) ([]rowstore.Row, error) {
	if err := s.beginLocked(OpInsert); err != nil {
		return nil, err
	}

	now := rowstore.Normalize(s.clock.Now())
	prepared := make([]rowstore.Row, 0, len(rows))
	for _, r := range rows {
		row := r.Clone()
		if row.ID() == "" {
			row["id"] = rowstore.NewID(collection)
		}
		if _, ok := row["created_at"]; !ok {
			row["created_at"] = now
		}
		if collection == rowstore.Lists {
			row["updated_at"] = now
		}
		if s.findLocked(collection, row.ID()) >= 0 {
			return nil, domainerrors.Conflictf("%s %s already exists", collection, row.ID())
		}
		if err := s.checkUniqueLocked(collection, row, prepared); err != nil {
			return nil, err
		}
		prepared = append(prepared, row)
	}

	for _, row := range prepared {
		s.tables[collection] = append(s.tables[collection], row)
		s.publishLocked(rowstore.Change{Collection: collection, Kind: rowstore.Inserted, After: row.Clone()})
	}
	return cloneRows(prepared), nil
}

// Update patches every row matching filter.
func (s *Store) Update(ctx context.Context, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) error {
	_, err := s.UpdateIf(ctx, collection, patch, filter)
	return err
}

// UpdateIf patches every row matching filter and reports how many changed.
func (s *Store) UpdateIf(_ context.Context, collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) (int, error) {
	s.mu.Lock()
	n, err := s.updateLocked(collection, patch, filter)
	s.mu.Unlock()
	s.dispatch()
	return n, err
}

func (s *Store) updateLocked(collection rowstore.Collection, patch rowstore.Row, filter rowstore.Filter) (int, error) {
	if err := s.beginLocked(OpUpdate); err != nil {
		return 0, err
	}
	if _, ok := patch["id"]; ok {
		return 0, domainerrors.Invalid("id cannot be patched")
	}

	table := s.tables[collection]
	var changes []rowstore.Change
	updated := make(map[int]rowstore.Row)
	for i, row := range table {
		if !filter.Matches(row) {
			continue
		}
		after := row.Clone()
		for k, v := range patch {
			after[k] = rowstore.Normalize(v)
		}
		if collection == rowstore.Lists {
			after["updated_at"] = rowstore.Normalize(s.clock.Now())
		}
		if err := s.checkUniqueLocked(collection, after, nil); err != nil {
			return 0, err
		}
		updated[i] = after
		changes = append(changes, rowstore.Change{Collection: collection, Kind: rowstore.Updated, Before: row.Clone(), After: after.Clone()})
	}

	for i, row := range updated {
		table[i] = row
	}
	for _, c := range changes {
		s.publishLocked(c)
	}
	return len(changes), nil
}

// Delete removes every row matching filter.
func (s *Store) Delete(_ context.Context, collection rowstore.Collection, filter rowstore.Filter) error {
	s.mu.Lock()
	err := s.deleteLocked(collection, filter)
	s.mu.Unlock()
	s.dispatch()
	return err
}

func (s *Store) deleteLocked(collection rowstore.Collection, filter rowstore.Filter) error {
	if err := s.beginLocked(OpDelete); err != nil {
		return err
	}
	table := s.tables[collection]
	kept := table[:0:0]
	for _, row := range table {
		if filter.Matches(row) {
			s.publishLocked(rowstore.Change{Collection: collection, Kind: rowstore.Deleted, Before: row.Clone()})
			continue
		}
		kept = append(kept, row)
	}
	s.tables[collection] = kept
	return nil
}

// Subscribe registers h for changes on collection that match filter.
// StatusSubscribed is queued before Subscribe returns.
func (s *Store) Subscribe(_ context.Context, collection rowstore.Collection, filter rowstore.Filter, h rowstore.Handler) (rowstore.Subscription, error) {
	s.mu.Lock()
	if err := s.beginLocked(OpSubscribe); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sub := &subscription{id: id.Handle(), collection: collection, filter: filter, handler: h, live: true}
	s.subs[sub.id] = sub
	s.queue = append(s.queue, delivery{sub: sub, status: rowstore.StatusSubscribed})
	s.mu.Unlock()
	s.dispatch()
	return sub, nil
}

// Unsubscribe releases a subscription. No callbacks fire for it afterwards,
// including a final StatusClosed.
func (s *Store) Unsubscribe(handle rowstore.Subscription) error {
	if handle == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[handle.ID()]; ok {
		sub.live = false
		delete(s.subs, sub.id)
	}
	return nil
}

func (s *Store) beginLocked(op Op) error {
	s.calls[op]++
	if errs := s.faults[op]; len(errs) > 0 {
		s.faults[op] = errs[1:]
		return errs[0]
	}
	if s.offline {
		return domainerrors.Unavailable("store offline")
	}
	return nil
}

func (s *Store) killLocked(sub *subscription, status rowstore.SubscriptionStatus, err error) {
	delete(s.subs, sub.id)
	s.queue = append(s.queue, delivery{sub: sub, status: status, err: err})
}

func (s *Store) publishLocked(c rowstore.Change) {
	for _, sub := range s.subs {
		if sub.collection != c.Collection || !sub.filter.Matches(c.Row()) {
			continue
		}
		change := c
		s.queue = append(s.queue, delivery{sub: sub, change: &change})
	}
}

// dispatch drains the queue unless delivery is manual or another goroutine
// is already draining.
func (s *Store) dispatch() {
	s.drain(false)
}

func (s *Store) drain(force bool) {
	s.mu.Lock()
	if s.draining || (s.manual && !force) {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.queue) > 0 {
		d := s.queue[0]
		s.queue = s.queue[1:]
		if !d.sub.live {
			continue
		}
		// Events queued before a terminal status still go out first.
		if d.change == nil && d.status != rowstore.StatusSubscribed {
			d.sub.live = false
		}
		s.mu.Unlock()
		if s.concurrent {
			d.sub.mailbox.post(&s.inflight, d.run)
		} else {
			d.run()
		}
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (d delivery) run() {
	if d.change != nil {
		d.sub.handler.Deliver(*d.change)
	} else {
		d.sub.handler.Signal(d.status, d.err)
	}
}

// Settle blocks until every callback handed off by Concurrent delivery has
// returned.
func (s *Store) Settle() {
	s.inflight.Wait()
}

// mailbox runs one subscription's callbacks in order on a goroutine that
// exits when the mailbox is empty.
type mailbox struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (m *mailbox) post(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	go m.run(wg)
}

func (m *mailbox) run(wg *sync.WaitGroup) {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()

		fn()
		wg.Done()
	}
}

func (s *Store) findLocked(collection rowstore.Collection, rowID string) int {
	for i, r := range s.tables[collection] {
		if r.ID() == rowID {
			return i
		}
	}
	return -1
}

// checkUniqueLocked enforces one item per case-folded name within a list.
func (s *Store) checkUniqueLocked(collection rowstore.Collection, row rowstore.Row, pending []rowstore.Row) error {
	if collection != rowstore.Items {
		return nil
	}
	name, _ := row["name"].(string)
	listID, _ := row["list_id"].(string)
	key := domain.NormalizeItemName(name)

	clash := func(other rowstore.Row) bool {
		if other.ID() == row.ID() {
			return false
		}
		otherName, _ := other["name"].(string)
		otherList, _ := other["list_id"].(string)
		return otherList == listID && domain.NormalizeItemName(otherName) == key
	}
	for _, other := range s.tables[collection] {
		if clash(other) {
			return domainerrors.Conflictf("item %q already exists in list %s", name, listID)
		}
	}
	for _, other := range pending {
		if clash(other) {
			return domainerrors.Conflictf("item %q already exists in list %s", name, listID)
		}
	}
	return nil
}

func cloneRows(rows []rowstore.Row) []rowstore.Row {
	out := make([]rowstore.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// Now exposes the store clock so fixtures can stamp rows consistently.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}
