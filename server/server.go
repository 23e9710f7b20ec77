// SPDX-License-Identifier: ice License 1.0

// Package server wires the relay core to its surfaces and owns process
// lifetime: storage backend selection, gateway startup, signal handling
// and graceful shutdown.
package server

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aether-mesh/relay/database"
	"github.com/aether-mesh/relay/database/level"
	"github.com/aether-mesh/relay/database/memory"
	"github.com/aether-mesh/relay/database/sqlite"
	"github.com/aether-mesh/relay/relay"
	"github.com/aether-mesh/relay/server/httpapi"
	"github.com/aether-mesh/relay/server/native"
	"github.com/aether-mesh/relay/server/nostr"
)

type (
	StorageConfig struct {
		// Backend selects the store: "memory", "sqlite" or "level".
		Backend   string        `yaml:"backend" mapstructure:"backend"`
		Path      string        `yaml:"path" mapstructure:"path"`
		Retention time.Duration `yaml:"retention" mapstructure:"retention"`
	}

	GatewaysConfig struct {
		Native bool `yaml:"native" mapstructure:"native"`
		Nostr  bool `yaml:"nostr" mapstructure:"nostr"`
		HTTP   bool `yaml:"http" mapstructure:"http"`
	}

	Config struct {
		Native     native.Config  `yaml:"native" mapstructure:"native"`
		Nostr      nostr.Config   `yaml:"nostr" mapstructure:"nostr"`
		HTTP       httpapi.Config `yaml:"http" mapstructure:"http"`
		Storage    StorageConfig  `yaml:"storage" mapstructure:"storage"`
		Relay      relay.Config   `yaml:"relay" mapstructure:"relay"`
		Gateways   GatewaysConfig `yaml:"gateways" mapstructure:"gateways"`
		GCInterval time.Duration  `yaml:"gcInterval" mapstructure:"gcInterval"`
	}
)

var (
	// ErrInvalidConfiguration maps to exit code 64.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrIO maps to exit code 74.
	ErrIO = errors.New("i/o error")
)

// OpenStore builds the configured storage backend.
func OpenStore(cfg *StorageConfig) (database.Store, error) {
	retention := uint64(cfg.Retention.Nanoseconds())
	switch cfg.Backend {
	case "", "memory":
		return memory.New(retention), nil
	case "sqlite":
		target := cfg.Path
		if target == "" {
			target = ":memory:"
		}
		store, err := sqlite.New(target, retention)
		if err != nil {
			return nil, errors.Wrap(ErrIO, err.Error())
		}

		return store, nil
	case "level":
		if cfg.Path == "" {
			return nil, errors.Wrap(ErrInvalidConfiguration, "level backend requires a path")
		}
		store, err := level.New(cfg.Path, retention)
		if err != nil {
			return nil, errors.Wrap(ErrIO, err.Error())
		}

		return store, nil
	}

	return nil, errors.Wrapf(ErrInvalidConfiguration, "unknown storage backend %q", cfg.Backend)
}

// ListenAndServe starts every enabled surface over one relay core and
// blocks until a signal or a fatal listener error.
func ListenAndServe(ctx context.Context, cancel context.CancelFunc, cfg *Config) error {
	store, err := OpenStore(&cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("ERROR:%v", errors.Wrap(closeErr, "failed to close store"))
		}
	}()

	rel := relay.New(store, cfg.Relay)
	if cfg.GCInterval > 0 {
		go rel.RunGC(ctx, cfg.GCInterval)
	}

	fatal := make(chan error, 4)
	if cfg.Gateways.Native {
		go func() { fatal <- native.ListenAndServeWS(ctx, rel, &cfg.Native) }()
		if cfg.Native.CertPath != "" && cfg.Native.KeyPath != "" && cfg.Native.QUICPort > 0 {
			go func() { fatal <- native.ListenAndServeQUIC(ctx, rel, &cfg.Native) }()
		} else {
			log.Printf("WARN: TLS key material or quic port not configured, quic disabled")
		}
	}
	if cfg.Gateways.Nostr {
		go func() { fatal <- nostr.ListenAndServe(ctx, rel, &cfg.Nostr) }()
	}
	if cfg.Gateways.HTTP {
		go func() { fatal <- httpapi.ListenAndServe(ctx, rel, &cfg.HTTP) }()
	}
	log.Printf("relay started (native:%v nostr:%v http:%v storage:%v)",
		cfg.Gateways.Native, cfg.Gateways.Nostr, cfg.Gateways.HTTP, cfg.Storage.Backend)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
		return nil
	case <-quit:
		log.Printf("shutting down...")
		cancel()

		return nil
	case err = <-fatal:
		cancel()
		if err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}

		return nil
	}
}
