// SPDX-License-Identifier: ice License 1.0

// Package database defines the storage contract shared by the memory,
// sqlite and leveldb backends: kind-range storage semantics, the
// replaceable conflict rule, and backfill query ordering.
package database

import (
	"bytes"
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/aether-mesh/relay/model"
)

type (
	PutOutcome uint8

	// PutResult reports what a put did. Replaced carries the displaced
	// event id; Duplicate covers both literal duplicates and replaceable
	// events that lost the conflict rule (semantically: not stored).
	PutResult struct {
		Outcome    PutOutcome
		ReplacedID model.EventID
	}

	// Store persists events per kind-range policy. All operations are
	// atomic with respect to concurrent callers; Put is linearizable per
	// replaceable key so the conflict rule picks a unique winner.
	Store interface {
		Put(ctx context.Context, event *model.Event) (PutResult, error)
		Query(ctx context.Context, filter *model.Filter) ([]*model.Event, error)
		GC(ctx context.Context, nowNanos uint64) error
		Close() error
	}
)

const (
	PutInserted PutOutcome = iota
	PutDuplicate
	PutReplaced
)

var ErrUnsupportedKind = errors.New("kind outside every storage class")

func (o PutOutcome) String() string {
	switch o {
	case PutInserted:
		return "inserted"
	case PutDuplicate:
		return "duplicate"
	case PutReplaced:
		return "replaced"
	}

	return "unknown"
}

// Wins decides the replaceable conflict: the greater created_at wins, ties
// break on the bytewise greater event id. Deterministic and convergent, so
// replicas agree on the winner regardless of receive order.
func Wins(challenger, incumbent *model.Event) bool {
	if challenger.CreatedAt != incumbent.CreatedAt {
		return challenger.CreatedAt > incumbent.CreatedAt
	}

	return bytes.Compare(challenger.ID[:], incumbent.ID[:]) > 0
}

// SortEvents orders a backfill result: created_at descending, ties broken
// by event id bytewise descending.
func SortEvents(events []*model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}

		return bytes.Compare(events[i].ID[:], events[j].ID[:]) > 0
	})
}

// ApplyLimit truncates a sorted backfill per the filter's limit; zero or
// negative means unbounded.
func ApplyLimit(events []*model.Event, limit int) []*model.Event {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}

	return events
}

// QueryAll runs the backfill for a subscription's filter list, deduping by
// event id while preserving each filter's own order and limit.
func QueryAll(ctx context.Context, store Store, filters model.Filters) ([]*model.Event, error) {
	var out []*model.Event
	seen := make(map[model.EventID]struct{})
	for i := range filters {
		events, err := store.Query(ctx, &filters[i])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to query filter %v", i)
		}
		for _, event := range events {
			if _, dup := seen[event.ID]; dup {
				continue
			}
			seen[event.ID] = struct{}{}
			out = append(out, event)
		}
	}

	return out, nil
}
