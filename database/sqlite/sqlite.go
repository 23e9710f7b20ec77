// SPDX-License-Identifier: ice License 1.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/model"
)

type (
	Store struct {
		db *dbClient
		// putMx linearizes puts per store so the conflict rule always
		// observes the current incumbent.
		putMx sync.Mutex

		retention uint64
	}

	eventRow struct {
		EventID   string `db:"event_id"`
		PubKey    string `db:"pubkey"`
		Kind      uint16 `db:"kind"`
		CreatedAt int64  `db:"created_at"`
		DValue    string `db:"d_value"`
		Tags      string `db:"tags"`
		Content   []byte `db:"content"`
		Sig       string `db:"sig"`
	}
)

// New opens (or creates) the store at target; ":memory:" keeps it
// process-local. retentionNanos bounds immutable event lifetime, 0 disables.
func New(target string, retentionNanos uint64) (*Store, error) {
	db, err := openDatabase(target)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, retention: retentionNanos}, nil
}

func (s *Store) Put(ctx context.Context, event *model.Event) (database.PutResult, error) {
	s.putMx.Lock()
	defer s.putMx.Unlock()

	stmt, err := s.db.prepare(ctx, "SELECT 1 FROM events WHERE event_id = ?")
	if err != nil {
		return database.PutResult{}, err
	}
	var exists int
	err = stmt.GetContext(ctx, &exists, event.ID.String())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return database.PutResult{}, errors.Wrap(err, "failed to check event for duplicate")
	}
	if err == nil {
		return database.PutResult{Outcome: database.PutDuplicate}, nil
	}

	switch event.Class() {
	case model.KindClassEphemeral:
		return database.PutResult{Outcome: database.PutInserted}, nil
	case model.KindClassImmutable:
		if err = s.insert(ctx, event); err != nil {
			return database.PutResult{}, err
		}

		return database.PutResult{Outcome: database.PutInserted}, nil
	case model.KindClassReplaceable, model.KindClassParameterized:
		return s.replace(ctx, event)
	}

	return database.PutResult{}, errors.Wrapf(database.ErrUnsupportedKind, "kind %v", event.Kind)
}

func (s *Store) replace(ctx context.Context, event *model.Event) (database.PutResult, error) {
	where := "pubkey = ? AND kind = ?"
	args := []any{event.PubKey.String(), event.Kind}
	if event.Class() == model.KindClassParameterized {
		where += " AND d_value = ?"
		args = append(args, event.DValue())
	}

	stmt, err := s.db.prepare(ctx, "SELECT event_id, created_at FROM events WHERE "+where)
	if err != nil {
		return database.PutResult{}, err
	}
	var incumbent eventRow
	err = stmt.GetContext(ctx, &incumbent, args...)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return database.PutResult{}, errors.Wrap(err, "failed to load replaceable incumbent")
	}
	if err == nil {
		old, decodeErr := model.ParseEventID(incumbent.EventID)
		if decodeErr != nil {
			return database.PutResult{}, errors.Wrap(decodeErr, "corrupted incumbent event id")
		}
		challengerLoses := uint64(incumbent.CreatedAt) > event.CreatedAt ||
			(uint64(incumbent.CreatedAt) == event.CreatedAt && strings.Compare(event.ID.String(), incumbent.EventID) <= 0)
		if challengerLoses {
			return database.PutResult{Outcome: database.PutDuplicate}, nil
		}
		if err = s.txInsert(ctx, event, &incumbent.EventID); err != nil {
			return database.PutResult{}, err
		}

		return database.PutResult{Outcome: database.PutReplaced, ReplacedID: old}, nil
	}
	if err = s.insert(ctx, event); err != nil {
		return database.PutResult{}, err
	}

	return database.PutResult{Outcome: database.PutInserted}, nil
}

func (s *Store) insert(ctx context.Context, event *model.Event) error {
	return s.txInsert(ctx, event, nil)
}

// txInsert inserts the event (optionally displacing an incumbent first) in
// one transaction, so an abrupt termination exposes either the pre-write or
// the post-write state, never a torn event.
func (s *Store) txInsert(ctx context.Context, event *model.Event, displacedID *string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin insert tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if displacedID != nil {
		if _, err = tx.ExecContext(ctx, "DELETE FROM tag_index WHERE event_id = ?", *displacedID); err != nil {
			return errors.Wrap(err, "failed to delete displaced tag rows")
		}
		if _, err = tx.ExecContext(ctx, "DELETE FROM events WHERE event_id = ?", *displacedID); err != nil {
			return errors.Wrap(err, "failed to delete displaced event")
		}
	}

	jtags, err := json.Marshal(event.Tags.Flatten())
	if err != nil {
		return errors.Wrap(err, "failed to serialize tags")
	}
	content := event.Content
	if content == nil {
		content = []byte{}
	}
	const stmt = `INSERT INTO events (event_id, pubkey, kind, created_at, d_value, tags, content, sig)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err = tx.ExecContext(ctx, stmt,
		event.ID.String(),
		event.PubKey.String(),
		event.Kind,
		int64(event.CreatedAt),
		event.DValue(),
		string(jtags),
		content,
		event.Sig.String(),
	); err != nil {
		return errors.Wrap(err, "failed to insert event")
	}
	for _, tag := range event.Tags {
		for _, value := range tag.Values {
			if _, err = tx.ExecContext(ctx,
				"INSERT INTO tag_index (event_id, tag_key, tag_value) VALUES (?, ?, ?)",
				event.ID.String(), tag.Key, value,
			); err != nil {
				return errors.Wrap(err, "failed to insert tag row")
			}
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit insert tx")
}

func (s *Store) Query(ctx context.Context, filter *model.Filter) ([]*model.Event, error) {
	where, args := buildWhere(filter)
	query := "SELECT event_id, pubkey, kind, created_at, d_value, tags, content, sig FROM events e"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at DESC, event_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrapf(err, "failed to select events: `%v`", query)
	}

	out := make([]*model.Event, 0, len(rows))
	for i := range rows {
		event, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}

	return out, nil
}

func buildWhere(filter *model.Filter) (string, []any) {
	var clauses []string
	var args []any

	if len(filter.Kinds) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Kinds)), ",")
		clauses = append(clauses, "kind IN ("+placeholders+")")
		for _, kind := range filter.Kinds {
			args = append(args, kind)
		}
	}
	if len(filter.PubKeyPrefixes) > 0 {
		var alternatives []string
		for _, prefix := range filter.PubKeyPrefixes {
			alternatives = append(alternatives, "pubkey LIKE ?")
			args = append(args, hex.EncodeToString(prefix)+"%")
		}
		clauses = append(clauses, "("+strings.Join(alternatives, " OR ")+")")
	}
	for key, values := range groupTagFilters(filter.Tags) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM tag_index ti WHERE ti.event_id = e.event_id AND ti.tag_key = ? AND ti.tag_value IN ("+placeholders+"))")
		args = append(args, key)
		for _, value := range values {
			args = append(args, value)
		}
	}
	if filter.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, int64(*filter.Since))
	}
	if filter.Until != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, int64(*filter.Until))
	}

	return strings.Join(clauses, " AND "), args
}

func groupTagFilters(tags []model.TagFilter) map[string][]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string][]string, len(tags))
	for _, tag := range tags {
		out[tag.Key] = append(out[tag.Key], tag.Value)
	}

	return out
}

func (s *Store) GC(ctx context.Context, nowNanos uint64) error {
	if s.retention == 0 || nowNanos < s.retention {
		return nil
	}
	cutoff := int64(nowNanos - s.retention)
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE kind <= 999 AND created_at < ?", cutoff)

	return errors.Wrap(err, "failed to gc expired immutable events")
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "failed to close sqlite store")
}

func (r *eventRow) toEvent() (*model.Event, error) {
	event := &model.Event{
		Kind:      r.Kind,
		CreatedAt: uint64(r.CreatedAt),
		Content:   r.Content,
	}
	var err error
	if event.ID, err = model.ParseEventID(r.EventID); err != nil {
		return nil, errors.Wrap(err, "corrupted stored event id")
	}
	if event.PubKey, err = model.ParsePubKey(r.PubKey); err != nil {
		return nil, errors.Wrap(err, "corrupted stored pubkey")
	}
	if event.Sig, err = model.ParseSignature(r.Sig); err != nil {
		return nil, errors.Wrap(err, "corrupted stored signature")
	}
	var flat [][]string
	if err = json.Unmarshal([]byte(r.Tags), &flat); err != nil {
		return nil, errors.Wrap(err, "corrupted stored tags")
	}
	event.Tags = model.TagsFromFlat(flat)

	return event, nil
}
