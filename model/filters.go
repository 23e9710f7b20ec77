// SPDX-License-Identifier: ice License 1.0

package model

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

type (
	// TagFilter is one required (key, value) pair of a filter. Pairs sharing
	// a key are alternatives (OR); distinct keys must all be satisfied (AND).
	TagFilter struct {
		Key   string
		Value string
	}

	// Filter is a conjunction of optional predicates over events. A nil/empty
	// predicate is absent and constrains nothing.
	Filter struct {
		Kinds          []uint16
		PubKeyPrefixes [][]byte
		Tags           []TagFilter
		Since          *uint64
		Until          *uint64
		Limit          int
	}

	Filters []Filter
)

const maxPubKeyPrefixLen = 32

func (ff Filters) Match(event *Event) bool {
	for i := range ff {
		if ff[i].Matches(event) {
			return true
		}
	}

	return false
}

// Matches reports whether every present predicate holds for the event.
// Limit is not a predicate: it only bounds historical backfill.
func (f *Filter) Matches(event *Event) bool {
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, event.Kind) {
		return false
	}
	if len(f.PubKeyPrefixes) > 0 && !matchesPrefix(f.PubKeyPrefixes, event.PubKey) {
		return false
	}
	if len(f.Tags) > 0 && !matchesTags(f.Tags, event.Tags) {
		return false
	}
	if f.Since != nil && event.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && event.CreatedAt > *f.Until {
		return false
	}

	return true
}

func containsKind(kinds []uint16, kind uint16) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}

	return false
}

func matchesPrefix(prefixes [][]byte, pubKey PubKey) bool {
	for _, prefix := range prefixes {
		if len(prefix) <= len(pubKey) && bytes.HasPrefix(pubKey[:], prefix) {
			return true
		}
	}

	return false
}

func matchesTags(required []TagFilter, tags Tags) bool {
	byKey := make(map[string][]string, len(required))
	for _, req := range required {
		byKey[req.Key] = append(byKey[req.Key], req.Value)
	}
	for key, alternatives := range byKey {
		if !tagsCarryAny(tags, key, alternatives) {
			return false
		}
	}

	return true
}

func tagsCarryAny(tags Tags, key string, alternatives []string) bool {
	for _, tag := range tags {
		if tag.Key != key {
			continue
		}
		for _, value := range tag.Values {
			for _, alternative := range alternatives {
				if value == alternative {
					return true
				}
			}
		}
	}

	return false
}

type filterJSON struct {
	Kinds          []uint16            `json:"kinds,omitempty"`
	PubKeyPrefixes []string            `json:"pubkey_prefixes,omitempty"`
	Tags           map[string][]string `json:"tags,omitempty"`
	Since          *uint64             `json:"since,omitempty"`
	Until          *uint64             `json:"until,omitempty"`
	Limit          int                 `json:"limit,omitempty"`
}

func (f Filter) MarshalJSON() ([]byte, error) {
	out := filterJSON{
		Kinds: f.Kinds,
		Since: f.Since,
		Until: f.Until,
		Limit: f.Limit,
	}
	for _, prefix := range f.PubKeyPrefixes {
		out.PubKeyPrefixes = append(out.PubKeyPrefixes, hex.EncodeToString(prefix))
	}
	if len(f.Tags) > 0 {
		out.Tags = make(map[string][]string, len(f.Tags))
		for _, tag := range f.Tags {
			out.Tags[tag.Key] = append(out.Tags[tag.Key], tag.Value)
		}
	}

	return json.Marshal(&out)
}

// UnmarshalJSON normalizes the two accepted tag-filter shapes (a mapping of
// key to values, or a list of [key, value] pairs) and coerces numeric
// strings, so every later stage sees one canonical Filter.
func (f *Filter) UnmarshalJSON(data []byte) error {
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return errors.Wrap(ErrInvalidMessage, "filter must be an object")
	}

	*f = Filter{}
	var err error
	if kinds := root.Get("kinds"); kinds.Exists() {
		if !kinds.IsArray() {
			return errors.Wrap(ErrInvalidMessage, "kinds must be a list")
		}
		for _, entry := range kinds.Array() {
			kind, coerceErr := coerceUint64(entry, "kind")
			if coerceErr != nil {
				return errors.Wrap(ErrInvalidMessage, "kinds must be integers")
			}
			if kind > 0xFFFF {
				return errors.Wrap(ErrInvalidMessage, "kind exceeds uint16")
			}
			f.Kinds = append(f.Kinds, uint16(kind))
		}
	}
	if f.PubKeyPrefixes, err = parsePubKeyPrefixes(root.Get("pubkey_prefixes")); err != nil {
		return err
	}
	if f.Tags, err = parseTagFilters(root.Get("tags")); err != nil {
		return err
	}
	if f.Since, err = coerceOptionalUint64(root.Get("since"), "since"); err != nil {
		return err
	}
	if f.Until, err = coerceOptionalUint64(root.Get("until"), "until"); err != nil {
		return err
	}
	if limit := root.Get("limit"); limit.Exists() {
		value, coerceErr := coerceUint64(limit, "limit")
		if coerceErr != nil {
			return errors.Wrap(ErrInvalidMessage, "limit must be an integer")
		}
		f.Limit = int(value)
	}

	return nil
}

func parsePubKeyPrefixes(raw gjson.Result) ([][]byte, error) {
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	if !raw.IsArray() {
		return nil, errors.Wrap(ErrInvalidMessage, "pubkey_prefixes must be a list")
	}

	var prefixes [][]byte
	for _, entry := range raw.Array() {
		prefix, err := ParsePubKeyPrefix(entry.String())
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix)
	}

	return prefixes, nil
}

// ParsePubKeyPrefix decodes a hex pubkey prefix of at most 32 bytes.
// Odd-length input is zero-extended on the left to a whole byte.
func ParsePubKeyPrefix(s string) ([]byte, error) {
	if len(s)%2 == 1 {
		s = "0" + s
	}
	prefix, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidMessage, "pubkey prefix is not valid hex")
	}
	if len(prefix) > maxPubKeyPrefixLen {
		return nil, errors.Wrap(ErrInvalidMessage, "pubkey prefix exceeds 32 bytes")
	}

	return prefix, nil
}

func parseTagFilters(raw gjson.Result) ([]TagFilter, error) {
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}

	var out []TagFilter
	var parseErr error
	switch {
	case raw.IsObject():
		raw.ForEach(func(key, values gjson.Result) bool {
			if !values.IsArray() {
				parseErr = errors.Wrap(ErrInvalidMessage, "tag filter values must be a list")

				return false
			}
			values.ForEach(func(_, value gjson.Result) bool {
				out = append(out, TagFilter{Key: key.String(), Value: value.String()})

				return true
			})

			return true
		})
	case raw.IsArray():
		raw.ForEach(func(_, entry gjson.Result) bool {
			pair := entry.Array()
			if !entry.IsArray() || len(pair) != 2 {
				parseErr = errors.Wrap(ErrInvalidMessage, "tag filter entries must be [key, value]")

				return false
			}
			out = append(out, TagFilter{Key: pair[0].String(), Value: pair[1].String()})

			return true
		})
	default:
		return nil, errors.Wrap(ErrInvalidMessage, "tags must be a mapping or a list of pairs")
	}

	return out, parseErr
}

func coerceOptionalUint64(raw gjson.Result, field string) (*uint64, error) {
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	value, err := coerceUint64(raw, field)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidMessage, "%v must be an integer", field)
	}

	return &value, nil
}

// ParseFilter normalizes a raw JSON filter object.
func ParseFilter(data []byte) (Filter, error) {
	var f Filter
	if err := f.UnmarshalJSON(data); err != nil {
		return Filter{}, err
	}

	return f, nil
}
