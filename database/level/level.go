// SPDX-License-Identifier: ice License 1.0

// Package level is the embedded-KV store backend on goleveldb. Event bodies
// live under the primary id key; replaceable keys and a time-ordered index
// map to the current event id, never to event bodies.
package level

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/model"
)

const (
	prefixEvent         = "e:"
	prefixTime          = "t:"
	prefixReplaceable   = "r:"
	prefixParameterized = "p:"
)

type Store struct {
	db    *leveldb.DB
	putMx sync.Mutex

	retention uint64
	now       func() uint64
}

func New(path string, retentionNanos uint64) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open leveldb store at `%v`", path)
	}

	return &Store{
		db:        db,
		retention: retentionNanos,
		now:       func() uint64 { return uint64(time.Now().UnixNano()) },
	}, nil
}

func (s *Store) Put(_ context.Context, event *model.Event) (database.PutResult, error) {
	s.putMx.Lock()
	defer s.putMx.Unlock()

	if _, err := s.db.Get(eventKey(event.ID), nil); err == nil {
		return database.PutResult{Outcome: database.PutDuplicate}, nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return database.PutResult{}, errors.Wrap(err, "failed to check event for duplicate")
	}

	switch event.Class() {
	case model.KindClassEphemeral:
		return database.PutResult{Outcome: database.PutInserted}, nil
	case model.KindClassImmutable:
		if err := s.write(event, nil); err != nil {
			return database.PutResult{}, err
		}

		return database.PutResult{Outcome: database.PutInserted}, nil
	case model.KindClassReplaceable, model.KindClassParameterized:
		return s.replace(event)
	}

	return database.PutResult{}, errors.Wrapf(database.ErrUnsupportedKind, "kind %v", event.Kind)
}

func (s *Store) replace(event *model.Event) (database.PutResult, error) {
	key := replaceableKeyFor(event)
	raw, err := s.db.Get(key, nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return database.PutResult{}, errors.Wrap(err, "failed to load replaceable incumbent id")
	}
	if err == nil {
		var incumbentID model.EventID
		copy(incumbentID[:], raw)
		incumbent, loadErr := s.load(incumbentID)
		if loadErr != nil {
			return database.PutResult{}, loadErr
		}
		if !database.Wins(event, incumbent) {
			return database.PutResult{Outcome: database.PutDuplicate}, nil
		}
		if err = s.write(event, incumbent); err != nil {
			return database.PutResult{}, err
		}

		return database.PutResult{Outcome: database.PutReplaced, ReplacedID: incumbentID}, nil
	}
	if err = s.write(event, nil); err != nil {
		return database.PutResult{}, err
	}

	return database.PutResult{Outcome: database.PutInserted}, nil
}

// write applies insert (and optional displacement) as one atomic batch, so
// abrupt termination exposes either the old or the new state.
func (s *Store) write(event *model.Event, displaced *model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to serialize event")
	}

	batch := new(leveldb.Batch)
	if displaced != nil {
		batch.Delete(eventKey(displaced.ID))
		batch.Delete(timeKey(displaced.CreatedAt, displaced.ID))
	}
	batch.Put(eventKey(event.ID), body)
	batch.Put(timeKey(event.CreatedAt, event.ID), event.ID[:])
	if event.Class() == model.KindClassReplaceable || event.Class() == model.KindClassParameterized {
		batch.Put(replaceableKeyFor(event), event.ID[:])
	}

	return errors.Wrap(s.db.Write(batch, nil), "failed to write event batch")
}

func (s *Store) Query(_ context.Context, filter *model.Filter) ([]*model.Event, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTime)), nil)
	defer iter.Release()

	now := s.now()
	var out []*model.Event
	for iter.Next() {
		var id model.EventID
		copy(id[:], iter.Value())
		event, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if s.expired(event, now) || !filter.Matches(event) {
			continue
		}
		out = append(out, event)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate time index")
	}

	return out, nil
}

func (s *Store) GC(_ context.Context, nowNanos uint64) error {
	if s.retention == 0 {
		return nil
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTime)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		var id model.EventID
		copy(id[:], iter.Value())
		event, err := s.load(id)
		if err != nil {
			return err
		}
		if s.expired(event, nowNanos) {
			batch.Delete(eventKey(event.ID))
			batch.Delete(timeKey(event.CreatedAt, event.ID))
		}
	}
	if err := iter.Error(); err != nil {
		return errors.Wrap(err, "failed to iterate for gc")
	}

	return errors.Wrap(s.db.Write(batch, nil), "failed to apply gc batch")
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "failed to close leveldb store")
}

func (s *Store) expired(event *model.Event, nowNanos uint64) bool {
	if s.retention == 0 || event.Class() != model.KindClassImmutable {
		return false
	}

	return nowNanos > event.CreatedAt && nowNanos-event.CreatedAt > s.retention
}

func (s *Store) load(id model.EventID) (*model.Event, error) {
	raw, err := s.db.Get(eventKey(id), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load event %v", id)
	}
	var event model.Event
	if err = json.Unmarshal(raw, &event); err != nil {
		return nil, errors.Wrapf(err, "corrupted stored event %v", id)
	}

	return &event, nil
}

func eventKey(id model.EventID) []byte {
	return append([]byte(prefixEvent), id[:]...)
}

// timeKey inverts created_at and id bytes so ascending iteration yields the
// backfill order: created_at descending, id descending.
func timeKey(createdAt uint64, id model.EventID) []byte {
	out := make([]byte, 0, len(prefixTime)+8+32)
	out = append(out, prefixTime...)
	out = binary.BigEndian.AppendUint64(out, ^createdAt)
	for _, b := range id {
		out = append(out, ^b)
	}

	return out
}

func replaceableKeyFor(event *model.Event) []byte {
	prefix := prefixReplaceable
	if event.Class() == model.KindClassParameterized {
		prefix = prefixParameterized
	}
	out := make([]byte, 0, len(prefix)+32+2+len(event.DValue()))
	out = append(out, prefix...)
	out = append(out, event.PubKey[:]...)
	out = binary.BigEndian.AppendUint16(out, event.Kind)
	if event.Class() == model.KindClassParameterized {
		out = append(out, event.DValue()...)
	}

	return out
}
