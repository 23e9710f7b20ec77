// SPDX-License-Identifier: ice License 1.0

package model

import (
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

type eventJSON struct {
	EventID   string     `json:"event_id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt uint64     `json:"created_at"`
	Kind      uint16     `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(&eventJSON{
		EventID:   e.ID.String(),
		PubKey:    e.PubKey.String(),
		CreatedAt: e.CreatedAt,
		Kind:      e.Kind,
		Tags:      e.Tags.Flatten(),
		Content:   string(e.Content),
		Sig:       e.Sig.String(),
	})
}

// UnmarshalJSON normalizes the dynamic shapes adapters are allowed to send:
// `id` aliases `event_id`, integers may arrive as decimal strings, and tags
// may be flat arrays or {key, values} objects. All later stages see the one
// normalized Event shape.
func (e *Event) UnmarshalJSON(data []byte) error {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return errors.Wrap(ErrInvalidEvent, "event must be an object")
	}

	idField := root.Get("event_id")
	if !idField.Exists() {
		idField = root.Get("id")
	}
	id, err := ParseEventID(idField.String())
	if err != nil {
		return err
	}
	pubKey, err := ParsePubKey(root.Get("pubkey").String())
	if err != nil {
		return err
	}
	sig, err := ParseSignature(root.Get("sig").String())
	if err != nil {
		return err
	}
	createdAt, err := coerceUint64(root.Get("created_at"), "created_at")
	if err != nil {
		return err
	}
	kind, err := coerceUint64(root.Get("kind"), "kind")
	if err != nil {
		return err
	}
	if kind > 0xFFFF {
		return errors.Wrap(ErrInvalidKind, "kind exceeds uint16")
	}
	tags, err := parseTags(root.Get("tags"))
	if err != nil {
		return err
	}

	e.ID = id
	e.PubKey = pubKey
	e.Sig = sig
	e.CreatedAt = createdAt
	e.Kind = uint16(kind)
	e.Tags = tags
	e.Content = []byte(root.Get("content").String())

	return nil
}

// Flatten renders tags in the flat wire shape: [key, value, value...].
func (t Tags) Flatten() [][]string {
	out := make([][]string, 0, len(t))
	for _, tag := range t {
		flat := make([]string, 0, 1+len(tag.Values))
		flat = append(flat, tag.Key)
		flat = append(flat, tag.Values...)
		out = append(out, flat)
	}

	return out
}

// TagsFromFlat is the inverse of Flatten.
func TagsFromFlat(flat [][]string) Tags {
	if len(flat) == 0 {
		return nil
	}
	out := make(Tags, 0, len(flat))
	for _, entry := range flat {
		if len(entry) == 0 {
			continue
		}
		out = append(out, Tag{Key: entry[0], Values: entry[1:]})
	}

	return out
}

func parseTags(raw gjson.Result) (Tags, error) {
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	if !raw.IsArray() {
		return nil, errors.Wrap(ErrInvalidEvent, "tags must be a list")
	}

	var tags Tags
	var parseErr error
	raw.ForEach(func(_, entry gjson.Result) bool {
		switch {
		case entry.IsArray():
			items := entry.Array()
			if len(items) == 0 {
				parseErr = errors.Wrap(ErrInvalidEvent, "malformed tag")

				return false
			}
			tag := Tag{Key: items[0].String(), Values: make([]string, 0, len(items)-1)}
			for _, item := range items[1:] {
				tag.Values = append(tag.Values, item.String())
			}
			tags = append(tags, tag)
		case entry.IsObject():
			tag := Tag{Key: entry.Get("key").String()}
			entry.Get("values").ForEach(func(_, value gjson.Result) bool {
				tag.Values = append(tag.Values, value.String())

				return true
			})
			tags = append(tags, tag)
		default:
			parseErr = errors.Wrap(ErrInvalidEvent, "malformed tag")

			return false
		}

		return true
	})

	return tags, parseErr
}

func coerceUint64(raw gjson.Result, field string) (uint64, error) {
	switch raw.Type {
	case gjson.Number:
		if raw.Float() < 0 {
			return 0, errors.Wrapf(ErrInvalidEvent, "%v must not be negative", field)
		}

		return raw.Uint(), nil
	case gjson.String:
		value, err := strconv.ParseUint(raw.String(), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidEvent, "%v must be an integer", field)
		}

		return value, nil
	}

	return 0, errors.Wrapf(ErrInvalidEvent, "%v must be an integer", field)
}
