// SPDX-License-Identifier: ice License 1.0

// Package nostr adapts the relay core to the NIP-01 text protocol:
// ["EVENT"|"REQ"|"CLOSE", ...] inbound, ["OK"|"EVENT"|"EOSE"|"NOTICE"|
// "CLOSED", ...] outbound. The adapter normalizes `id` to `event_id` and
// hex-decodes binary fields before anything reaches the validator.
package nostr

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tidwall/gjson"

	"github.com/aether-mesh/relay/model"
	"github.com/aether-mesh/relay/relay"
)

type (
	Config struct {
		Port         uint16        `yaml:"port" mapstructure:"port"`
		CertPath     string        `yaml:"certPath" mapstructure:"certPath"`
		KeyPath      string        `yaml:"keyPath" mapstructure:"keyPath"`
		WriteTimeout time.Duration `yaml:"writeTimeout" mapstructure:"writeTimeout"`
	}

	handler struct {
		relay *relay.Relay
		cfg   *Config
	}

	connection struct {
		conn    net.Conn
		connID  string
		writeMx sync.Mutex

		writeTimeout time.Duration
	}
)

// ListenAndServe runs the NIP-01 websocket listener.
func ListenAndServe(ctx context.Context, rel *relay.Relay, cfg *Config) error {
	h := &handler{relay: rel, cfg: cfg}
	server := &http.Server{
		Addr: ":" + strconv.Itoa(int(cfg.Port)),
		Handler: http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
			conn, _, _, err := ws.UpgradeHTTP(req, writer)
			if err != nil {
				log.Printf("WARN: nostr websocket upgrade failed: %v", err)

				return
			}
			go h.read(ctx, &connection{
				conn:         conn,
				connID:       "nostr-" + uuid.NewString(),
				writeTimeout: cfg.WriteTimeout,
			})
		}),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	var err error
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		err = server.ListenAndServeTLS(cfg.CertPath, cfg.KeyPath)
	} else {
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return errors.Wrap(err, "nostr websocket server failed")
}

func (h *handler) read(ctx context.Context, c *connection) {
	defer func() {
		h.relay.CloseConnection(c.connID)
		if err := c.conn.Close(); err != nil {
			log.Printf("WARN: failed to close nostr conn %v: %v", c.connID, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			closed := new(wsutil.ClosedError)
			if !errors.As(err, closed) && !errors.Is(err, io.EOF) {
				log.Printf("WARN: unexpected nostr read error: %v", err)
			}

			return
		}
		if op == ws.OpText && len(data) > 0 {
			h.handle(ctx, c, data)
		}
	}
}

func (h *handler) handle(ctx context.Context, c *connection, data []byte) {
	frame := gjson.ParseBytes(data)
	if !frame.IsArray() {
		c.notice("invalid_message: expected an array frame")

		return
	}
	items := frame.Array()
	if len(items) == 0 {
		c.notice("invalid_message: empty frame")

		return
	}

	switch items[0].String() {
	case "EVENT":
		h.handleEvent(ctx, c, items)
	case "REQ":
		h.handleReq(ctx, c, items)
	case "CLOSE":
		h.handleClose(c, items)
	default:
		c.notice("invalid_message: unsupported command " + items[0].String())
	}
}

func (h *handler) handleEvent(ctx context.Context, c *connection, items []gjson.Result) {
	if len(items) != 2 || !items[1].IsObject() {
		c.notice("invalid_message: EVENT payload invalid")

		return
	}
	var event model.Event
	if err := event.UnmarshalJSON([]byte(items[1].Raw)); err != nil {
		rawID := items[1].Get("id").String()
		c.ok(rawID, false, model.ErrorCode(err))

		return
	}
	ack, err := h.relay.Accept(ctx, c.connID, &event)
	if err != nil {
		c.ok(event.ID.String(), false, model.ErrorCode(err))

		return
	}
	reason := "accepted"
	if ack.Duplicate {
		reason = "duplicate"
	}
	c.ok(ack.EventID.String(), true, reason)
}

// handleReq answers the backfill, then always marks the end of stored
// events: an EOSE follows even when nothing matched.
func (h *handler) handleReq(ctx context.Context, c *connection, items []gjson.Result) {
	if len(items) < 3 {
		c.notice("invalid_message: REQ requires sub_id and at least one filter")

		return
	}
	subID := items[1].String()
	filters := make(model.Filters, 0, len(items)-2)
	for _, raw := range items[2:] {
		if !raw.IsObject() {
			c.notice("invalid_message: filter must be an object")

			return
		}
		filter, err := filterFromNostr(raw)
		if err != nil {
			c.notice(model.ErrorCode(err) + ": " + err.Error())

			return
		}
		filters = append(filters, filter)
	}

	events, err := h.relay.Backfill(ctx, filters)
	if err != nil {
		c.notice("internal_error: backfill failed")

		return
	}
	var mErr *multierror.Error
	for _, event := range events {
		mErr = multierror.Append(mErr, c.event(subID, event))
	}
	if mErr.ErrorOrNil() != nil {
		log.Printf("ERROR:%v", errors.Wrapf(mErr.ErrorOrNil(), "failed to write backfill for subscription %v", subID))

		return
	}
	c.eose(subID)
	h.relay.Subscribe(c.connID, subID, filters, func(id string, event *model.Event) error {
		return c.event(id, event)
	})
}

func (h *handler) handleClose(c *connection, items []gjson.Result) {
	if len(items) != 2 {
		c.notice("invalid_message: CLOSE requires sub_id")

		return
	}
	subID := items[1].String()
	if !h.relay.Unsubscribe(c.connID, subID) {
		c.notice("subscription_not_found: " + subID)

		return
	}
	c.closed(subID)
}

// filterFromNostr maps a NIP-01 filter to the native shape: authors become
// pubkey prefixes, "#<key>" entries become tag filters.
func filterFromNostr(raw gjson.Result) (model.Filter, error) {
	var filter model.Filter
	var err error
	raw.ForEach(func(key, value gjson.Result) bool {
		switch {
		case key.String() == "kinds":
			for _, kind := range value.Array() {
				if kind.Uint() > 0xFFFF {
					err = errors.Wrap(model.ErrInvalidMessage, "kind exceeds uint16")

					return false
				}
				filter.Kinds = append(filter.Kinds, uint16(kind.Uint()))
			}
		case key.String() == "authors":
			for _, author := range value.Array() {
				prefix, parseErr := model.ParsePubKeyPrefix(author.String())
				if parseErr != nil {
					err = parseErr

					return false
				}
				filter.PubKeyPrefixes = append(filter.PubKeyPrefixes, prefix)
			}
		case key.String() == "since":
			since := value.Uint()
			filter.Since = &since
		case key.String() == "until":
			until := value.Uint()
			filter.Until = &until
		case key.String() == "limit":
			filter.Limit = int(value.Int())
		case len(key.String()) > 1 && key.String()[0] == '#':
			tagKey := key.String()[1:]
			for _, tagValue := range value.Array() {
				filter.Tags = append(filter.Tags, model.TagFilter{Key: tagKey, Value: tagValue.String()})
			}
		}

		return true
	})

	return filter, err
}

// eventToNostr renders an event with the `id` alias this surface expects.
func eventToNostr(event *model.Event) map[string]any {
	return map[string]any{
		"id":         event.ID.String(),
		"pubkey":     event.PubKey.String(),
		"created_at": event.CreatedAt,
		"kind":       event.Kind,
		"tags":       event.Tags.Flatten(),
		"content":    string(event.Content),
		"sig":        event.Sig.String(),
	}
}

func (c *connection) ok(eventID string, accepted bool, message string) {
	c.write([]any{"OK", eventID, accepted, message})
}

func (c *connection) event(subID string, event *model.Event) error {
	return c.write([]any{"EVENT", subID, eventToNostr(event)})
}

func (c *connection) eose(subID string) {
	c.write([]any{"EOSE", subID})
}

func (c *connection) closed(subID string) {
	c.write([]any{"CLOSED", subID, ""})
}

func (c *connection) notice(text string) {
	c.write([]any{"NOTICE", text})
}

func (c *connection) write(frame []any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to serialize nostr frame")
	}
	c.writeMx.Lock()
	defer c.writeMx.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	return errors.Wrap(wsutil.WriteServerMessage(c.conn, ws.OpText, data), "failed to write nostr frame")
}
