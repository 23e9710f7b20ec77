// SPDX-License-Identifier: ice License 1.0

// Package relay is the core: it validates inbound events, persists them per
// kind-range policy, fans them out to matching live subscriptions with
// per-subscriber backpressure, and exposes the counters the surfaces report.
package relay

import (
	"context"
	"log"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/model"
)

type (
	// Forwarder receives the canonical JSON of every locally accepted
	// event. The gossip overlay lives outside the core; this is its hook.
	Forwarder func(ctx context.Context, event []byte) error

	Config struct {
		MinPowDifficulty int              `yaml:"minPowDifficulty" mapstructure:"minPowDifficulty"`
		MaxFutureSkew    time.Duration    `yaml:"maxFutureSkew" mapstructure:"maxFutureSkew"`
		MaxEventSize     int              `yaml:"maxEventSize" mapstructure:"maxEventSize"`
		OutboxCapacity   int              `yaml:"outboxCapacity" mapstructure:"outboxCapacity"`
		RateLimit        *RateLimitConfig `yaml:"rateLimit" mapstructure:"rateLimit"`
	}

	// Ack is the positive outcome of Accept. Duplicates are acknowledged
	// but ignored for storage and fan-out.
	Ack struct {
		EventID   model.EventID
		Duplicate bool
	}

	Relay struct {
		store   database.Store
		cfg     Config
		subs    *registry
		limiter *rateLimiter
		forward Forwarder
		policy  model.ValidationPolicy
	}
)

// OriginGossip marks events arriving from the mesh hook; they are accepted
// through the same pipeline but never forwarded back.
const OriginGossip = "gossip"

const DefaultOutboxCapacity = 1024

func New(store database.Store, cfg Config) *Relay {
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = DefaultOutboxCapacity
	}

	return &Relay{
		store:   store,
		cfg:     cfg,
		subs:    newRegistry(),
		limiter: newRateLimiter(cfg.RateLimit),
		policy: model.ValidationPolicy{
			MaxFutureSkew:    cfg.MaxFutureSkew,
			MinPowDifficulty: cfg.MinPowDifficulty,
			MaxEventSize:     cfg.MaxEventSize,
		},
	}
}

// RegisterForwarder installs the gossip hook. Must be called before serving.
func (r *Relay) RegisterForwarder(forward Forwarder) {
	r.forward = forward
}

// Accept runs the full pipeline on one inbound event: validate, enforce
// rate policy, persist per kind class, fan out, forward. The returned error
// is always a discriminant from the model vocabulary; gateways translate it
// into their surface shape.
func (r *Relay) Accept(ctx context.Context, origin string, event *model.Event) (Ack, error) {
	if err := event.Validate(&r.policy); err != nil {
		metrics.GetOrRegisterCounter("relay.events.rejected", nil).Inc(1)

		return Ack{}, err
	}
	if !r.limiter.allow(event.PubKey) {
		return Ack{}, errors.Wrapf(model.ErrRateLimited, "pubkey %v", event.PubKey)
	}

	result, err := r.store.Put(ctx, event)
	if err != nil {
		log.Printf("ERROR:%v", errors.Wrapf(err, "failed to store event %v", event.ID))

		return Ack{}, errors.Wrap(model.ErrInternal, "failed to store event")
	}
	if result.Outcome == database.PutDuplicate {
		return Ack{EventID: event.ID, Duplicate: true}, nil
	}

	metrics.GetOrRegisterCounter("relay.events.accepted", nil).Inc(1)
	r.dispatch(event)
	if r.forward != nil && origin != OriginGossip {
		raw, marshalErr := event.MarshalJSON()
		if marshalErr == nil {
			if fwdErr := r.forward(ctx, raw); fwdErr != nil {
				log.Printf("WARN: failed to forward event %v to mesh: %v", event.ID, fwdErr)
			}
		}
	}

	return Ack{EventID: event.ID}, nil
}

// dispatch selects candidates through the inverted index, evaluates each
// filter authoritatively, and enqueues without ever blocking: a slow
// subscriber loses its oldest pending event instead.
func (r *Relay) dispatch(event *model.Event) {
	for _, sub := range r.subs.candidates(event) {
		if !sub.Filters.Match(event) {
			continue
		}
		if sub.outbox.push(event) {
			sub.dropped.Add(1)
			metrics.GetOrRegisterCounter("relay.events.dropped", nil).Inc(1)
		}
		metrics.GetOrRegisterGauge("relay.outbox.high_water", nil).Update(int64(sub.HighWater()))
	}
}

// Subscribe registers a live subscription and starts its dedicated sender.
// An existing (connID, subID) subscription is replaced.
func (r *Relay) Subscribe(connID, subID string, filters model.Filters, deliver DeliverFunc) *Subscription {
	sub := &Subscription{
		ConnID:  connID,
		ID:      subID,
		Filters: filters,
		deliver: deliver,
		outbox:  newOutbox(r.cfg.OutboxCapacity),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if replaced := r.subs.add(sub); replaced != nil {
		replaced.stop()
	}
	go sub.run()

	return sub
}

// Unsubscribe closes one subscription; it reports whether it existed.
func (r *Relay) Unsubscribe(connID, subID string) bool {
	sub := r.subs.remove(connID, subID)
	if sub == nil {
		return false
	}
	sub.stop()

	return true
}

// CloseConnection revokes every subscription the connection owns, draining
// outboxes best-effort before resources are freed.
func (r *Relay) CloseConnection(connID string) {
	for _, sub := range r.subs.removeConnection(connID) {
		sub.stop()
	}
}

// Backfill answers the historical part of a new subscription.
func (r *Relay) Backfill(ctx context.Context, filters model.Filters) ([]*model.Event, error) {
	return database.QueryAll(ctx, r.store, filters)
}

// DroppedBySubscription exports per-subscription drop counters for the
// health surface.
func (r *Relay) DroppedBySubscription() map[string]uint64 {
	out := make(map[string]uint64)
	for _, sub := range r.subs.snapshot() {
		out[sub.ID] = sub.Dropped()
	}

	return out
}

// RunGC expires immutable events on the given cadence until ctx ends.
func (r *Relay) RunGC(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.GC(ctx, uint64(time.Now().UnixNano())); err != nil {
				log.Printf("ERROR:%v", errors.Wrap(err, "failed to gc expired events"))
			}
		}
	}
}
