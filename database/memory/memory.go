// SPDX-License-Identifier: ice License 1.0

// Package memory is the in-memory store backend: maps per kind class plus
// inverted indexes by kind and tag (key, value). There is no pubkey index;
// pubkey-prefix predicates are checked while scanning the candidates.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/model"
)

type (
	replaceableKey struct {
		pubKey model.PubKey
		kind   uint16
	}
	parameterizedKey struct {
		pubKey model.PubKey
		kind   uint16
		dValue string
	}
	tagKey struct {
		key   string
		value string
	}

	Store struct {
		mx sync.RWMutex

		immutable     map[model.EventID]*model.Event
		replaceable   map[replaceableKey]*model.Event
		parameterized map[parameterizedKey]*model.Event

		byID      map[model.EventID]*model.Event
		indexKind map[uint16]map[model.EventID]struct{}
		indexTag  map[tagKey]map[model.EventID]struct{}

		retention uint64
		now       func() uint64
		bloom     *database.Bloom
	}
)

// New creates a store; retentionNanos bounds the lifetime of immutable
// events, zero keeps them indefinitely.
func New(retentionNanos uint64) *Store {
	return &Store{
		immutable:     make(map[model.EventID]*model.Event),
		replaceable:   make(map[replaceableKey]*model.Event),
		parameterized: make(map[parameterizedKey]*model.Event),
		byID:          make(map[model.EventID]*model.Event),
		indexKind:     make(map[uint16]map[model.EventID]struct{}),
		indexTag:      make(map[tagKey]map[model.EventID]struct{}),
		retention:     retentionNanos,
		now:           func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// WithClock replaces the retention clock, for tests.
func (s *Store) WithClock(now func() uint64) *Store {
	s.now = now

	return s
}

// WithBloom installs an advisory dedupe hint in front of the primary index.
func (s *Store) WithBloom(bloom *database.Bloom) *Store {
	s.bloom = bloom

	return s
}

func (s *Store) Put(_ context.Context, event *model.Event) (database.PutResult, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.bloom == nil || s.bloom.MightContain(event.ID[:]) {
		if _, dup := s.byID[event.ID]; dup {
			return database.PutResult{Outcome: database.PutDuplicate}, nil
		}
	}

	switch event.Class() {
	case model.KindClassEphemeral:
		// Acceptable to dispatch, never stored.
		return database.PutResult{Outcome: database.PutInserted}, nil
	case model.KindClassImmutable:
		s.immutable[event.ID] = event
		s.addIndexes(event)

		return database.PutResult{Outcome: database.PutInserted}, nil
	case model.KindClassReplaceable:
		key := replaceableKey{pubKey: event.PubKey, kind: event.Kind}
		incumbent := s.replaceable[key]
		result, keep := s.resolve(event, incumbent)
		if keep {
			s.replaceable[key] = event
		}

		return result, nil
	case model.KindClassParameterized:
		key := parameterizedKey{pubKey: event.PubKey, kind: event.Kind, dValue: event.DValue()}
		incumbent := s.parameterized[key]
		result, keep := s.resolve(event, incumbent)
		if keep {
			s.parameterized[key] = event
		}

		return result, nil
	}

	return database.PutResult{}, errors.Wrapf(database.ErrUnsupportedKind, "kind %v", event.Kind)
}

func (s *Store) resolve(challenger, incumbent *model.Event) (database.PutResult, bool) {
	if incumbent == nil {
		s.addIndexes(challenger)

		return database.PutResult{Outcome: database.PutInserted}, true
	}
	if !database.Wins(challenger, incumbent) {
		return database.PutResult{Outcome: database.PutDuplicate}, false
	}
	s.removeIndexes(incumbent)
	s.addIndexes(challenger)

	return database.PutResult{Outcome: database.PutReplaced, ReplacedID: incumbent.ID}, true
}

func (s *Store) Query(_ context.Context, filter *model.Filter) ([]*model.Event, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	var out []*model.Event
	for _, event := range s.candidates(filter) {
		if filter.Matches(event) && !s.expired(event, s.now()) {
			out = append(out, event)
		}
	}
	database.SortEvents(out)

	return database.ApplyLimit(out, filter.Limit), nil
}

// candidates prunes the scan set through the kind and tag indexes before
// the authoritative match.
func (s *Store) candidates(filter *model.Filter) []*model.Event {
	var ids map[model.EventID]struct{}
	switch {
	case len(filter.Kinds) > 0:
		ids = make(map[model.EventID]struct{})
		for _, kind := range filter.Kinds {
			for id := range s.indexKind[kind] {
				ids[id] = struct{}{}
			}
		}
	case len(filter.Tags) > 0:
		ids = make(map[model.EventID]struct{})
		for _, tag := range filter.Tags {
			for id := range s.indexTag[tagKey{key: tag.Key, value: tag.Value}] {
				ids[id] = struct{}{}
			}
		}
	default:
		out := make([]*model.Event, 0, len(s.byID))
		for _, event := range s.byID {
			out = append(out, event)
		}

		return out
	}

	out := make([]*model.Event, 0, len(ids))
	for id := range ids {
		if event, found := s.byID[id]; found {
			out = append(out, event)
		}
	}

	return out
}

func (s *Store) GC(_ context.Context, nowNanos uint64) error {
	if s.retention == 0 {
		return nil
	}
	s.mx.Lock()
	defer s.mx.Unlock()

	for id, event := range s.immutable {
		if s.expired(event, nowNanos) {
			delete(s.immutable, id)
			s.removeIndexes(event)
		}
	}

	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) expired(event *model.Event, nowNanos uint64) bool {
	if s.retention == 0 || event.Class() != model.KindClassImmutable {
		return false
	}

	return nowNanos > event.CreatedAt && nowNanos-event.CreatedAt > s.retention
}

func (s *Store) addIndexes(event *model.Event) {
	s.byID[event.ID] = event
	if s.bloom != nil {
		s.bloom.Add(event.ID[:])
	}
	kindBucket, found := s.indexKind[event.Kind]
	if !found {
		kindBucket = make(map[model.EventID]struct{})
		s.indexKind[event.Kind] = kindBucket
	}
	kindBucket[event.ID] = struct{}{}
	for _, tag := range event.Tags {
		for _, value := range tag.Values {
			key := tagKey{key: tag.Key, value: value}
			bucket, ok := s.indexTag[key]
			if !ok {
				bucket = make(map[model.EventID]struct{})
				s.indexTag[key] = bucket
			}
			bucket[event.ID] = struct{}{}
		}
	}
}

func (s *Store) removeIndexes(event *model.Event) {
	delete(s.byID, event.ID)
	if bucket, found := s.indexKind[event.Kind]; found {
		delete(bucket, event.ID)
		if len(bucket) == 0 {
			delete(s.indexKind, event.Kind)
		}
	}
	for _, tag := range event.Tags {
		for _, value := range tag.Values {
			key := tagKey{key: tag.Key, value: value}
			if bucket, found := s.indexTag[key]; found {
				delete(bucket, event.ID)
				if len(bucket) == 0 {
					delete(s.indexTag, key)
				}
			}
		}
	}
}
