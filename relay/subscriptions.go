// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"sync"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"

	"github.com/aether-mesh/relay/model"
)

type (
	// DeliverFunc pushes one matched event to the subscriber's transport.
	// It runs on the subscription's dedicated sender, never concurrently
	// with itself for the same subscription.
	DeliverFunc func(subID string, event *model.Event) error

	// Subscription is a live filter bound to a connection, with a bounded
	// outbox drained by a dedicated sender. The dispatcher never blocks on
	// a slow subscriber: a full outbox drops its oldest pending event.
	Subscription struct {
		ConnID  string
		ID      string
		Filters model.Filters

		deliver DeliverFunc
		outbox  *outbox

		delivered atomic.Uint64
		dropped   atomic.Uint64

		quit     chan struct{}
		done     chan struct{}
		stopOnce sync.Once
	}

	outbox struct {
		mx        sync.Mutex
		items     []*model.Event
		capacity  int
		highWater int
		notify    chan struct{}
	}

	tagPairKey struct {
		key   string
		value string
	}

	// registry tracks active subscriptions, shard-locked by nothing more
	// exotic than one RWMutex (lookups are read-mostly), plus the inverted
	// candidate index: kind and tag (key, value) buckets and a rest set
	// for subscriptions with no indexable predicate.
	registry struct {
		mx      sync.RWMutex
		byConn  map[string]map[string]*Subscription
		kindIdx map[uint16]map[*Subscription]struct{}
		tagIdx  map[tagPairKey]map[*Subscription]struct{}
		rest    map[*Subscription]struct{}
	}
)

func newOutbox(capacity int) *outbox {
	return &outbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push enqueues an event, dropping the oldest pending one when full.
// Drop-oldest bounds latency for real-time signals; stale state must never
// block newer state.
func (o *outbox) push(event *model.Event) (droppedOldest bool) {
	o.mx.Lock()
	if len(o.items) >= o.capacity {
		copy(o.items, o.items[1:])
		o.items = o.items[:len(o.items)-1]
		droppedOldest = true
	}
	o.items = append(o.items, event)
	if len(o.items) > o.highWater {
		o.highWater = len(o.items)
	}
	o.mx.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}

	return droppedOldest
}

func (o *outbox) drain() []*model.Event {
	o.mx.Lock()
	defer o.mx.Unlock()

	out := o.items
	o.items = nil

	return out
}

func (s *Subscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.flush()

			return
		case <-s.outbox.notify:
			if !s.flush() {
				return
			}
		}
	}
}

func (s *Subscription) flush() bool {
	for _, event := range s.outbox.drain() {
		if err := s.deliver(s.ID, event); err != nil {
			return false
		}
		s.delivered.Add(1)
		metrics.GetOrRegisterCounter("relay.events.delivered", nil).Inc(1)
	}

	return true
}

// stop closes the sender; the final flush drains pending events
// best-effort before the subscription is freed.
func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

// Delivered reports how many events this subscription's sender pushed out.
func (s *Subscription) Delivered() uint64 {
	return s.delivered.Load()
}

// Dropped reports how many pending events were displaced by drop-oldest.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// HighWater reports the maximum pending depth the outbox reached.
func (s *Subscription) HighWater() int {
	s.outbox.mx.Lock()
	defer s.outbox.mx.Unlock()

	return s.outbox.highWater
}

func newRegistry() *registry {
	return &registry{
		byConn:  make(map[string]map[string]*Subscription),
		kindIdx: make(map[uint16]map[*Subscription]struct{}),
		tagIdx:  make(map[tagPairKey]map[*Subscription]struct{}),
		rest:    make(map[*Subscription]struct{}),
	}
}

func (r *registry) add(sub *Subscription) (replaced *Subscription) {
	r.mx.Lock()
	defer r.mx.Unlock()

	conn, found := r.byConn[sub.ConnID]
	if !found {
		conn = make(map[string]*Subscription)
		r.byConn[sub.ConnID] = conn
	}
	if old, dup := conn[sub.ID]; dup {
		r.unindex(old)
		replaced = old
	}
	conn[sub.ID] = sub
	r.index(sub)

	return replaced
}

func (r *registry) remove(connID, subID string) *Subscription {
	r.mx.Lock()
	defer r.mx.Unlock()

	conn, found := r.byConn[connID]
	if !found {
		return nil
	}
	sub, found := conn[subID]
	if !found {
		return nil
	}
	delete(conn, subID)
	if len(conn) == 0 {
		delete(r.byConn, connID)
	}
	r.unindex(sub)

	return sub
}

func (r *registry) removeConnection(connID string) []*Subscription {
	r.mx.Lock()
	defer r.mx.Unlock()

	conn, found := r.byConn[connID]
	if !found {
		return nil
	}
	delete(r.byConn, connID)
	out := make([]*Subscription, 0, len(conn))
	for _, sub := range conn {
		r.unindex(sub)
		out = append(out, sub)
	}

	return out
}

// candidates prunes via the inverted index, then the caller evaluates
// Filters.Match authoritatively.
func (r *registry) candidates(event *model.Event) []*Subscription {
	r.mx.RLock()
	defer r.mx.RUnlock()

	set := make(map[*Subscription]struct{}, len(r.rest))
	for sub := range r.rest {
		set[sub] = struct{}{}
	}
	for sub := range r.kindIdx[event.Kind] {
		set[sub] = struct{}{}
	}
	for _, tag := range event.Tags {
		for _, value := range tag.Values {
			for sub := range r.tagIdx[tagPairKey{key: tag.Key, value: value}] {
				set[sub] = struct{}{}
			}
		}
	}

	out := make([]*Subscription, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}

	return out
}

func (r *registry) index(sub *Subscription) {
	for i := range sub.Filters {
		filter := &sub.Filters[i]
		switch {
		case len(filter.Kinds) > 0:
			for _, kind := range filter.Kinds {
				bucket, found := r.kindIdx[kind]
				if !found {
					bucket = make(map[*Subscription]struct{})
					r.kindIdx[kind] = bucket
				}
				bucket[sub] = struct{}{}
			}
		case len(filter.Tags) > 0:
			for _, tag := range filter.Tags {
				key := tagPairKey{key: tag.Key, value: tag.Value}
				bucket, found := r.tagIdx[key]
				if !found {
					bucket = make(map[*Subscription]struct{})
					r.tagIdx[key] = bucket
				}
				bucket[sub] = struct{}{}
			}
		default:
			r.rest[sub] = struct{}{}
		}
	}
	if len(sub.Filters) == 0 {
		r.rest[sub] = struct{}{}
	}
}

func (r *registry) unindex(sub *Subscription) {
	for i := range sub.Filters {
		filter := &sub.Filters[i]
		for _, kind := range filter.Kinds {
			if bucket, found := r.kindIdx[kind]; found {
				delete(bucket, sub)
				if len(bucket) == 0 {
					delete(r.kindIdx, kind)
				}
			}
		}
		for _, tag := range filter.Tags {
			key := tagPairKey{key: tag.Key, value: tag.Value}
			if bucket, found := r.tagIdx[key]; found {
				delete(bucket, sub)
				if len(bucket) == 0 {
					delete(r.tagIdx, key)
				}
			}
		}
	}
	delete(r.rest, sub)
}

func (r *registry) snapshot() []*Subscription {
	r.mx.RLock()
	defer r.mx.RUnlock()

	var out []*Subscription
	for _, conn := range r.byConn {
		for _, sub := range conn {
			out = append(out, sub)
		}
	}

	return out
}
