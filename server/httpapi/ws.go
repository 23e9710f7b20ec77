// SPDX-License-Identifier: ice License 1.0

package httpapi

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/aether-mesh/relay/model"
	"github.com/aether-mesh/relay/relay"
	"github.com/aether-mesh/relay/wire"
)

type jsonSession struct {
	relay  *relay.Relay
	conn   net.Conn
	connID string

	writeMx      sync.Mutex
	writeTimeout time.Duration
}

// serveJSONWS mirrors the native session semantics in JSON text frames.
// The format is fixed, so a HELLO is answered politely but not required;
// the transport-encryption upgrade is not offered on this surface.
func serveJSONWS(ctx context.Context, rel *relay.Relay, conn net.Conn, writeTimeout time.Duration) {
	s := &jsonSession{
		relay:        rel,
		conn:         conn,
		connID:       "http-ws-" + uuid.NewString(),
		writeTimeout: writeTimeout,
	}
	defer func() {
		rel.CloseConnection(s.connID)
		if err := conn.Close(); err != nil {
			log.Printf("WARN: failed to close /v1/ws conn %v: %v", s.connID, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			closed := new(wsutil.ClosedError)
			if !errors.As(err, closed) && !errors.Is(err, io.EOF) {
				log.Printf("WARN: unexpected /v1/ws read error: %v", err)
			}

			return
		}
		if op != ws.OpText || len(data) == 0 {
			continue
		}
		s.handle(ctx, data)
	}
}

func (s *jsonSession) handle(ctx context.Context, data []byte) {
	env, err := wire.Decode(data, wire.FormatJSON)
	if err != nil {
		s.writeError(model.ErrInvalidMessage, "malformed frame")

		return
	}

	switch env.Type {
	case wire.TypeHello:
		s.write(wire.TypeWelcome, &wire.WelcomePayload{
			Version: wire.ProtocolVersion,
			Format:  string(wire.FormatJSON),
			Noise:   &wire.NoiseInfo{Required: false},
		})
	case wire.TypePublish:
		var payload wire.PublishPayload
		if err = env.DecodePayload(&payload); err != nil {
			s.writeAck("", false, model.ErrorCode(err))

			return
		}
		ack, acceptErr := s.relay.Accept(ctx, s.connID, &payload.Event)
		if acceptErr != nil {
			s.writeAck(payload.Event.ID.String(), false, model.ErrorCode(acceptErr))

			return
		}
		reason := ""
		if ack.Duplicate {
			reason = "duplicate"
		}
		s.writeAck(ack.EventID.String(), true, reason)
	case wire.TypeSubscribe:
		var payload wire.SubscribePayload
		if err = env.DecodePayload(&payload); err != nil {
			s.writeError(model.ErrInvalidMessage, "malformed SUBSCRIBE")

			return
		}
		if payload.SubID == "" {
			s.writeError(model.ErrInvalidMessage, "sub_id is required")

			return
		}
		events, backfillErr := s.relay.Backfill(ctx, payload.Filters)
		if backfillErr != nil {
			s.writeError(model.ErrInternal, "backfill failed")

			return
		}
		for _, event := range events {
			if writeErr := s.writeEvent(payload.SubID, event); writeErr != nil {
				return
			}
		}
		s.relay.Subscribe(s.connID, payload.SubID, payload.Filters, func(subID string, event *model.Event) error {
			return s.writeEvent(subID, event)
		})
		s.writeAck("", true, "subscribed")
	case wire.TypeUnsubscribe:
		var payload wire.UnsubscribePayload
		if err = env.DecodePayload(&payload); err != nil {
			s.writeError(model.ErrInvalidMessage, "malformed UNSUBSCRIBE")

			return
		}
		if !s.relay.Unsubscribe(s.connID, payload.SubID) {
			s.writeError(model.ErrSubscriptionNotFound, payload.SubID)

			return
		}
		s.writeAck("", true, "unsubscribed")
	default:
		s.writeError(model.ErrInvalidMessage, "unexpected message type "+env.Type.String())
	}
}

func (s *jsonSession) writeEvent(subID string, event *model.Event) error {
	return s.write(wire.TypeEvent, &wire.EventPayload{SubID: subID, Event: *event})
}

func (s *jsonSession) writeAck(eventID string, accepted bool, reason string) {
	if err := s.write(wire.TypeAck, &wire.AckPayload{EventID: eventID, Accepted: accepted, Reason: reason}); err != nil {
		log.Printf("WARN: failed to write ack on %v: %v", s.connID, err)
	}
}

func (s *jsonSession) writeError(code error, message string) {
	if err := s.write(wire.TypeError, &wire.ErrorPayload{Code: model.ErrorCode(code), Message: message}); err != nil {
		log.Printf("WARN: failed to write error on %v: %v", s.connID, err)
	}
}

func (s *jsonSession) write(t wire.Type, payload any) error {
	env, err := wire.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	data, err := wire.Encode(env, wire.FormatJSON)
	if err != nil {
		return err
	}
	s.writeMx.Lock()
	defer s.writeMx.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}

	return errors.Wrap(wsutil.WriteServerMessage(s.conn, ws.OpText, data), "failed to write /v1/ws frame")
}
