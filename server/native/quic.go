// SPDX-License-Identifier: ice License 1.0

package native

import (
	"context"
	"crypto/tls"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go"

	"github.com/aether-mesh/relay/relay"
	"github.com/aether-mesh/relay/wire"
)

const quicALPN = "aether-relay"

type quicStreamConn struct {
	stream  quic.Stream
	writeMx sync.Mutex
}

func (c *quicStreamConn) ReadFrame() ([]byte, error) {
	return wire.ReadFrame(c.stream)
}

func (c *quicStreamConn) WriteFrame(data []byte, _ bool) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	return wire.WriteFrame(c.stream, data)
}

func (c *quicStreamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *quicStreamConn) Close() error {
	return c.stream.Close()
}

// ListenAndServeQUIC runs the native QUIC listener. It only starts when TLS
// key material is available; the caller skips it otherwise.
func ListenAndServeQUIC(ctx context.Context, rel *relay.Relay, cfg *Config) error {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return errors.Wrap(err, "failed to load TLS key material for quic")
	}
	listener, err := quic.ListenAddr(":"+strconv.Itoa(int(cfg.QUICPort)), &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
		MinVersion:   tls.VersionTLS13,
	}, &quic.Config{MaxIdleTimeout: time.Minute})
	if err != nil {
		return errors.Wrap(err, "failed to start quic listener")
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, acceptErr := listener.Accept(ctx)
		if acceptErr != nil {
			if ctx.Err() != nil {
				return nil
			}

			return errors.Wrap(acceptErr, "quic accept failed")
		}
		go serveQUICConn(ctx, rel, cfg, conn)
	}
}

// serveQUICConn runs one session per accepted bidirectional stream;
// separate streams are independent sessions.
func serveQUICConn(ctx context.Context, rel *relay.Relay, cfg *Config, conn quic.Connection) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("WARN: quic stream accept failed: %v", err)
			}

			return
		}
		go run(ctx, rel, cfg, &quicStreamConn{stream: stream})
	}
}
