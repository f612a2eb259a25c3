// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Devbridge-agent runs on the device side of a bridge. It serves
// controllers over TCP, a serial line, or both, and answers discovery
// datagrams so controllers on the local network can find it.
//
// On startup:
//  1. Loads configuration (--config, then DEVBRIDGE_CONFIG, then defaults).
//  2. Opens the pairing store selected by agent.pairing_backend.
//  3. Starts each configured endpoint: the TCP listener, the serial
//     loop, and the discovery responder.
//  4. Runs until SIGINT or SIGTERM, then closes every connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/devbridge/agent"
	"github.com/bureau-foundation/devbridge/discovery"
	"github.com/bureau-foundation/devbridge/handshake"
	"github.com/bureau-foundation/devbridge/lib/config"
	"github.com/bureau-foundation/devbridge/lib/pairing"
	"github.com/bureau-foundation/devbridge/lib/version"
	"github.com/bureau-foundation/devbridge/protocol"
	"github.com/bureau-foundation/devbridge/transport"
)

// serialRetryDelay is the pause between attempts to reopen the serial
// device after it fails or the controller disconnects.
const serialRetryDelay = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		serial      string
		verbose     bool
		showVersion bool
	)
	flags := pflag.NewFlagSet("devbridge-agent", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to devbridge.yaml")
	flags.StringVar(&listen, "listen", "", "TCP listen address (overrides agent.listen)")
	flags.StringVar(&serial, "serial", "", "serial device to serve on (overrides agent.serial)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("devbridge-agent %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flags.Changed("listen") {
		cfg.Agent.Listen = listen
	}
	if flags.Changed("serial") {
		cfg.Agent.Serial = serial
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Agent.Listen == "" && cfg.Agent.Serial == "" {
		return errors.New("nothing to serve: set agent.listen or agent.serial")
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := pairing.Open(pairing.Config{
		Backend: cfg.Agent.PairingBackend,
		Path:    cfg.Paths.Pairing,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("opening pairing store: %w", err)
	}
	defer store.Close()

	name := cfg.Agent.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	if name == "" {
		name = "devbridge-agent"
	}

	server, err := agent.New(agent.Config{
		Name:           name,
		FileRoot:       cfg.Agent.FileRoot,
		Store:          store,
		Approver:       approver(cfg.Agent.Approval),
		Shell:          cfg.Agent.Shell,
		MaxExecTimeout: cfg.Agent.MaxExecTimeoutDuration(),
		NonceTTL:       cfg.Agent.NonceTTLDuration(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("devbridge-agent starting",
		"version", version.Short(),
		"name", name,
		"pairing_backend", cfg.Agent.PairingBackend,
		"approval", cfg.Agent.Approval,
		"file_root", cfg.Agent.FileRoot,
	)

	var (
		waitGroup sync.WaitGroup
		errMu     sync.Mutex
		errs      []error
	)
	start := func(label string, fn func() error) {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if err := fn(); err != nil {
				logger.Error("endpoint failed", "endpoint", label, "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", label, err))
				errMu.Unlock()
				// One failed endpoint stops the agent.
				stop()
			}
		}()
	}

	if cfg.Agent.Listen != "" {
		listener, err := transport.ListenTCP(cfg.Agent.Listen)
		if err != nil {
			return err
		}
		start("tcp", func() error { return server.Serve(ctx, listener) })

		if cfg.Agent.Discovery.Enabled {
			port, err := listenPort(listener.Addr())
			if err != nil {
				return err
			}
			conn, err := discovery.Listen(cfg.Agent.Discovery.Listen)
			if err != nil {
				return err
			}
			responder := &discovery.Responder{
				Name:            name,
				Port:            port,
				ProtocolVersion: protocol.ProtocolVersion,
				Logger:          logger,
			}
			start("discovery", func() error { return responder.Serve(ctx, conn) })
		}
	} else if cfg.Agent.Discovery.Enabled {
		logger.Warn("discovery is enabled but agent.listen is empty; not answering discover requests")
	}

	if cfg.Agent.Serial != "" {
		link := transport.NewSerial(cfg.Agent.Serial, cfg.Agent.BaudRate, 0)
		start("serial", func() error { return serveSerial(ctx, server, link, logger) })
	}

	waitGroup.Wait()
	logger.Info("devbridge-agent stopped")
	return errors.Join(errs...)
}

// approver maps agent.approval to a handshake approver. Validate has
// already rejected unknown values.
func approver(mode string) handshake.Approver {
	switch mode {
	case "auto":
		return handshake.AutoApprove
	case "terminal":
		return &handshake.TerminalApprover{}
	default:
		return handshake.DenyAll
	}
}

// listenPort extracts the numeric port from a listener address, so
// discovery replies carry the real port when agent.listen used ":0".
func listenPort(address string) (int, error) {
	_, portText, err := net.SplitHostPort(address)
	if err != nil {
		return 0, fmt.Errorf("parsing listen address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return 0, fmt.Errorf("parsing listen port %q: %w", portText, err)
	}
	return port, nil
}

// serveSerial serves one controller at a time on a serial line. The
// device is reopened after each disconnect; a controller that goes
// away leaves the line ready for the next one.
func serveSerial(ctx context.Context, server *agent.Server, link *transport.Serial, logger *slog.Logger) error {
	logger = logger.With("device", link.Path)
	for {
		if err := link.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("opening serial device failed", "error", err, "retry_in", serialRetryDelay)
		} else {
			logger.Info("serving on serial device", "baud", link.Baud)
			if err := server.ServeTransport(ctx, link); err != nil {
				logger.Warn("serial connection ended with error", "error", err)
			}
			link.Destroy()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(serialRetryDelay):
		}
	}
}
