package main

import (
	"context"
	"log"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/aether-mesh/relay/cfg"
	"github.com/aether-mesh/relay/server"
)

const (
	exitOK            = 0
	exitInvalidConfig = 64
	exitIOError       = 74
)

var (
	configPath  string
	cert        string
	key         string
	port        uint16
	quicPort    uint16
	nostrPort   uint16
	httpPort    uint16
	storage     string
	storagePath string

	aether = &cobra.Command{
		Use:   "aether",
		Short: "aether relay",
		Run: func(cmd *cobra.Command, args []string) {
			cfg.MustInit(configPath, os.Getenv("AETHER_CONFIG"))
			serverCfg := cfg.MustGet[server.Config]("server")
			applyFlagOverrides(serverCfg)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := server.ListenAndServe(ctx, cancel, serverCfg); err != nil {
				log.Printf("ERROR:%v", err)
				switch {
				case errors.Is(err, server.ErrInvalidConfiguration):
					os.Exit(exitInvalidConfig)
				default:
					os.Exit(exitIOError)
				}
			}
			os.Exit(exitOK)
		},
	}
)

func init() {
	flags := aether.Flags()
	flags.StringVar(&configPath, "config", "", "path to the yaml configuration file")
	flags.StringVar(&cert, "cert", "", "path to the tls certificate (enables tls; required for quic)")
	flags.StringVar(&key, "key", "", "path to the tls key (enables tls; required for quic)")
	flags.Uint16Var(&port, "port", 0, "native websocket port")
	flags.Uint16Var(&quicPort, "quic-port", 0, "native quic port")
	flags.Uint16Var(&nostrPort, "nostr-port", 0, "nostr gateway port")
	flags.Uint16Var(&httpPort, "http-port", 0, "http gateway port")
	flags.StringVar(&storage, "storage", "", "storage backend: memory, sqlite or level")
	flags.StringVar(&storagePath, "storage-path", "", "storage file path (sqlite/level)")
}

func applyFlagOverrides(serverCfg *server.Config) {
	if cert != "" {
		serverCfg.Native.CertPath = cert
		serverCfg.Nostr.CertPath = cert
		serverCfg.HTTP.CertPath = cert
	}
	if key != "" {
		serverCfg.Native.KeyPath = key
		serverCfg.Nostr.KeyPath = key
		serverCfg.HTTP.KeyPath = key
	}
	if port > 0 {
		serverCfg.Native.Port = port
		serverCfg.Gateways.Native = true
	}
	if quicPort > 0 {
		serverCfg.Native.QUICPort = quicPort
	}
	if nostrPort > 0 {
		serverCfg.Nostr.Port = nostrPort
		serverCfg.Gateways.Nostr = true
	}
	if httpPort > 0 {
		serverCfg.HTTP.Port = httpPort
		serverCfg.Gateways.HTTP = true
	}
	if storage != "" {
		serverCfg.Storage.Backend = storage
	}
	if storagePath != "" {
		serverCfg.Storage.Path = storagePath
	}
}

func main() {
	if err := aether.Execute(); err != nil {
		log.Printf("ERROR:%v", err)
		os.Exit(exitInvalidConfig)
	}
}
