// SPDX-License-Identifier: ice License 1.0

// Package native serves the primary surface: the HELLO/WELCOME session
// state machine over websocket or QUIC, with format negotiation and the
// optional transport-encryption upgrade.
package native

import (
	"context"
	"encoding/hex"
	"log"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/aether-mesh/relay/model"
	"github.com/aether-mesh/relay/noise"
	"github.com/aether-mesh/relay/relay"
	"github.com/aether-mesh/relay/wire"
)

type (
	Config struct {
		Port          uint16        `yaml:"port" mapstructure:"port"`
		QUICPort      uint16        `yaml:"quicPort" mapstructure:"quicPort"`
		CertPath      string        `yaml:"certPath" mapstructure:"certPath"`
		KeyPath       string        `yaml:"keyPath" mapstructure:"keyPath"`
		NoiseRequired bool          `yaml:"noiseRequired" mapstructure:"noiseRequired"`
		HelloTimeout  time.Duration `yaml:"helloTimeout" mapstructure:"helloTimeout"`
		WriteTimeout  time.Duration `yaml:"writeTimeout" mapstructure:"writeTimeout"`
		ReadTimeout   time.Duration `yaml:"readTimeout" mapstructure:"readTimeout"`
	}

	// frameConn is one framed, ordered transport below a session: websocket
	// messages or a length-prefixed QUIC stream.
	frameConn interface {
		ReadFrame() ([]byte, error)
		WriteFrame(data []byte, binary bool) error
		SetReadDeadline(t time.Time) error
		Close() error
	}

	sessionState uint8

	session struct {
		relay  *relay.Relay
		cfg    *Config
		conn   frameConn
		connID string

		state  sessionState
		format wire.Format

		// writeMx serializes writers (the session loop and subscription
		// senders) so noise counters stay monotonic on the wire.
		writeMx      sync.Mutex
		cipher       *noise.Session
		aeadFailures int
	}
)

const (
	stateNew sessionState = iota
	stateWelcomed
	stateActive
	stateClosed

	defaultHelloTimeout = 10 * time.Second

	maxAEADFailures = 3
)

// run owns the connection: handshake, steady state, teardown. A single
// connection processes its inbound stream sequentially; outbound fan-out
// rides the subscription senders through the same write path.
func run(ctx context.Context, rel *relay.Relay, cfg *Config, conn frameConn) {
	s := &session{
		relay:  rel,
		cfg:    cfg,
		conn:   conn,
		connID: "native-" + uuid.NewString(),
		format: wire.FormatJSON,
	}
	defer func() {
		s.state = stateClosed
		s.relay.CloseConnection(s.connID)
		if err := conn.Close(); err != nil {
			log.Printf("WARN: failed to close native conn %v: %v", s.connID, err)
		}
	}()

	if err := s.handshake(); err != nil {
		log.Printf("WARN: handshake failed for %v: %v", s.connID, err)

		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, err := s.conn.ReadFrame()
		if err != nil {
			return
		}
		if fatal := s.handleFrame(ctx, data); fatal {
			return
		}
	}
}

func (s *session) handshake() error {
	helloTimeout := s.cfg.HelloTimeout
	if helloTimeout <= 0 {
		helloTimeout = defaultHelloTimeout
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	data, err := s.conn.ReadFrame()
	if err != nil {
		return errors.Wrap(err, "no HELLO within the handshake window")
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	env, err := wire.Decode(data, sniffFormat(data))
	if err != nil || env.Type != wire.TypeHello {
		s.writeError(model.ErrInvalidMessage, "expected HELLO")

		return errors.Wrap(model.ErrInvalidMessage, "first frame is not HELLO")
	}
	var hello wire.HelloPayload
	if err = env.DecodePayload(&hello); err != nil {
		s.writeError(model.ErrInvalidMessage, "malformed HELLO")

		return err
	}

	// Binary is the stronger format; pick it whenever both sides speak it.
	s.format = wire.FormatJSON
	for _, format := range hello.Formats {
		if wire.Format(format) == wire.FormatBinary {
			s.format = wire.FormatBinary

			break
		}
	}

	noiseRequired := s.cfg.NoiseRequired || (hello.Noise != nil && hello.Noise.Required)
	welcome := &wire.WelcomePayload{Version: wire.ProtocolVersion, Format: string(s.format)}
	var pending *noise.Session
	if noiseRequired {
		if hello.Noise == nil || hello.Noise.PubKey == "" {
			s.writeError(model.ErrInvalidMessage, "noise upgrade requires a client pubkey")

			return errors.Wrap(model.ErrInvalidMessage, "noise required without client pubkey")
		}
		clientPub, decodeErr := hex.DecodeString(hello.Noise.PubKey)
		if decodeErr != nil || len(clientPub) != noise.KeySize {
			s.writeError(model.ErrInvalidMessage, "noise pubkey must be 32 hex bytes")

			return errors.Wrap(model.ErrInvalidMessage, "malformed noise pubkey")
		}
		priv, pub, keyErr := noise.GenerateKeypair()
		if keyErr != nil {
			return keyErr
		}
		key, deriveErr := noise.DeriveSharedKey(priv, clientPub)
		if deriveErr != nil {
			return deriveErr
		}
		if pending, err = noise.NewSession(key); err != nil {
			return err
		}
		welcome.Noise = &wire.NoiseInfo{Required: true, PubKey: hex.EncodeToString(pub)}
	}

	s.state = stateWelcomed
	if err = s.writePayload(wire.TypeWelcome, welcome); err != nil {
		return err
	}
	// WELCOME itself travels in the clear; everything after is wrapped.
	s.cipher = pending
	s.state = stateActive

	return nil
}

// handleFrame processes one steady-state frame; true means the session is
// beyond saving and must close.
func (s *session) handleFrame(ctx context.Context, data []byte) (fatal bool) {
	env, err := wire.Decode(data, s.format)
	if err != nil {
		s.writeError(model.ErrInvalidMessage, "malformed frame")

		return true
	}
	if s.cipher != nil {
		if env, err = s.unwrap(env); err != nil {
			s.aeadFailures++
			s.writeError(model.ErrInvalidMessage, err.Error())

			return s.aeadFailures >= maxAEADFailures
		}
	}

	switch env.Type {
	case wire.TypePublish:
		s.handlePublish(ctx, env)
	case wire.TypeSubscribe:
		s.handleSubscribe(ctx, env)
	case wire.TypeUnsubscribe:
		s.handleUnsubscribe(env)
	default:
		// Unknown-for-this-state types leave the session ACTIVE.
		s.writeError(model.ErrInvalidMessage, "unexpected message type "+env.Type.String())
	}

	return false
}

func (s *session) unwrap(env *wire.Envelope) (*wire.Envelope, error) {
	if env.Type != wire.TypeNoise {
		return nil, errors.Wrap(model.ErrInvalidMessage, "expected a NOISE envelope")
	}
	var payload wire.NoisePayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}
	sealed, err := hex.DecodeString(payload.PayloadHex)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidMessage, "noise payload is not valid hex")
	}
	inner, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, errors.Wrap(model.ErrInvalidMessage, "noise authentication failed")
	}

	return wire.Decode(inner, s.format)
}

func (s *session) handlePublish(ctx context.Context, env *wire.Envelope) {
	var payload wire.PublishPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.writeAck(model.EventID{}, false, model.ErrorCode(err))

		return
	}
	ack, err := s.relay.Accept(ctx, s.connID, &payload.Event)
	if err != nil {
		s.writeAck(payload.Event.ID, false, model.ErrorCode(err))

		return
	}
	reason := ""
	if ack.Duplicate {
		reason = "duplicate"
	}
	s.writeAck(ack.EventID, true, reason)
}

// handleSubscribe answers the backfill inline, then confirms with an ACK.
// This surface emits no end-of-stored-events marker: the ACK is the
// deterministic end of backfill.
func (s *session) handleSubscribe(ctx context.Context, env *wire.Envelope) {
	var payload wire.SubscribePayload
	if err := env.DecodePayload(&payload); err != nil {
		s.writeError(model.ErrInvalidMessage, "malformed SUBSCRIBE")

		return
	}
	if payload.SubID == "" {
		s.writeError(model.ErrInvalidMessage, "sub_id is required")

		return
	}
	events, err := s.relay.Backfill(ctx, payload.Filters)
	if err != nil {
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
	s.writeAck(model.EventID{}, true, "subscribed")
}

func (s *session) handleUnsubscribe(env *wire.Envelope) {
	var payload wire.UnsubscribePayload
	if err := env.DecodePayload(&payload); err != nil {
		s.writeError(model.ErrInvalidMessage, "malformed UNSUBSCRIBE")

		return
	}
	if !s.relay.Unsubscribe(s.connID, payload.SubID) {
		s.writeError(model.ErrSubscriptionNotFound, payload.SubID)

		return
	}
	s.writeAck(model.EventID{}, true, "unsubscribed")
}

func (s *session) writeEvent(subID string, event *model.Event) error {
	return s.writePayload(wire.TypeEvent, &wire.EventPayload{SubID: subID, Event: *event})
}

func (s *session) writeAck(eventID model.EventID, accepted bool, reason string) {
	id := ""
	if eventID != (model.EventID{}) {
		id = eventID.String()
	}
	if err := s.writePayload(wire.TypeAck, &wire.AckPayload{EventID: id, Accepted: accepted, Reason: reason}); err != nil {
		log.Printf("WARN: failed to write ack on %v: %v", s.connID, err)
	}
}

func (s *session) writeError(code error, message string) {
	if err := s.writePayload(wire.TypeError, &wire.ErrorPayload{Code: model.ErrorCode(code), Message: message}); err != nil {
		log.Printf("WARN: failed to write error on %v: %v", s.connID, err)
	}
}

func (s *session) writePayload(t wire.Type, payload any) error {
	env, err := wire.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	data, err := wire.Encode(env, s.format)
	if err != nil {
		return err
	}
	s.writeMx.Lock()
	defer s.writeMx.Unlock()
	if s.cipher != nil && t != wire.TypeWelcome {
		sealed := s.cipher.Seal(data)
		wrapped, wrapErr := wire.NewEnvelope(wire.TypeNoise, &wire.NoisePayload{PayloadHex: hex.EncodeToString(sealed)})
		if wrapErr != nil {
			return wrapErr
		}
		if data, err = wire.Encode(wrapped, s.format); err != nil {
			return err
		}
	}

	return s.conn.WriteFrame(data, s.format == wire.FormatBinary)
}

func sniffFormat(data []byte) wire.Format {
	if len(data) > 0 && data[0] == '{' {
		return wire.FormatJSON
	}

	return wire.FormatBinary
}
