// SPDX-License-Identifier: ice License 1.0

package native

import (
	"context"
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

	"github.com/aether-mesh/relay/relay"
)

type wsConn struct {
	conn    net.Conn
	writeMx sync.Mutex

	writeTimeout time.Duration
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			closed := new(wsutil.ClosedError)
			if errors.As(err, closed) || errors.Is(err, io.EOF) {
				return nil, io.EOF
			}

			return nil, errors.Wrap(err, "failed to read websocket frame")
		}
		if op == ws.OpText || op == ws.OpBinary {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(data []byte, binary bool) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	op := ws.OpText
	if binary {
		op = ws.OpBinary
	}

	return errors.Wrap(wsutil.WriteServerMessage(c.conn, op, data), "failed to write websocket frame")
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// ListenAndServeWS runs the native websocket listener. TLS is used when
// cert material is configured; without it the listener stays plain.
func ListenAndServeWS(ctx context.Context, rel *relay.Relay, cfg *Config) error {
	server := &http.Server{
		Addr: ":" + strconv.Itoa(int(cfg.Port)),
		Handler: http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
			conn, _, _, err := ws.UpgradeHTTP(req, writer)
			if err != nil {
				log.Printf("WARN: websocket upgrade failed: %v", err)

				return
			}
			go run(ctx, rel, cfg, &wsConn{conn: conn, writeTimeout: cfg.WriteTimeout})
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

	return errors.Wrap(err, "native websocket server failed")
}
