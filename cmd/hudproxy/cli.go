package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"hudproxy/internal/authn"
	"hudproxy/internal/ca"
	"hudproxy/internal/cache"
	"hudproxy/internal/cachekey"
	"hudproxy/internal/dispatch"
	"hudproxy/internal/mitm"
	"hudproxy/internal/session"
	"hudproxy/internal/upstream"
)

// config collects every cobra flag for `hudproxy serve` into one
// validated struct, per spec.md §6's requirement that invalid
// combinations exit non-zero before any socket is opened.
type config struct {
	listenAddr     string
	caDir          string
	preset         string
	dnsServer      string
	upstreamProxy  string
	tlsKeyLogPath  string
	sessionCap     int
	upstreamCap    int
	flushInterval  time.Duration
	handshakeTimeo time.Duration
}

func (c config) validate() error {
	if c.listenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.sessionCap <= 0 {
		return fmt.Errorf("session-store capacity must be positive, got %d", c.sessionCap)
	}
	if c.upstreamCap <= 0 {
		return fmt.Errorf("upstream-store capacity must be positive, got %d", c.upstreamCap)
	}
	if c.flushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %v", c.flushInterval)
	}
	return nil
}

// Execute builds and runs the root cobra command.
func Execute() error {
	var cfg config

	root := &cobra.Command{
		Use:           "hudproxy",
		Short:         "hud-proxy is an authenticating, fingerprint-impersonating MITM forwarding proxy",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy's accept loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := serve.Flags()
	flags.StringVar(&cfg.listenAddr, "listen", "127.0.0.1:3000", "address the proxy accepts client connections on")
	flags.StringVar(&cfg.caDir, "ca-dir", "cer", "directory holding ca.crt/ca.key, generated on first run")
	flags.StringVar(&cfg.preset, "preset", "chrome-120", "browser fingerprint preset presented to upstream origins")
	flags.StringVar(&cfg.dnsServer, "dns-server", "", "recursive DNS server for direct upstream dials (host:port); empty uses the OS resolver")
	flags.StringVar(&cfg.upstreamProxy, "upstream-proxy", "", "optional SOCKS5 or HTTP CONNECT proxy to chain upstream dials through")
	flags.StringVar(&cfg.tlsKeyLogPath, "tls-keylog", "", "SSLKEYLOGFILE-format path for upstream TLS secrets; empty disables logging")
	flags.IntVar(&cfg.sessionCap, "session-capacity", cache.DefaultCapacity, "maximum concurrently tracked sessions")
	flags.IntVar(&cfg.upstreamCap, "upstream-capacity", cache.DefaultCapacity, "maximum concurrently tracked upstream clients")
	flags.DurationVar(&cfg.flushInterval, "flush-interval", cache.DefaultFlushInterval, "minimum time between expired-entry sweeps")
	flags.DurationVar(&cfg.handshakeTimeo, "handshake-timeout", mitm.DefaultHandshakeTimeout, "deadline for a client's CONNECT and TLS handshake")

	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	return root.Execute()
}

func runServe(ctx context.Context, cfg config) error {
	logger := newLogger()

	root, created, err := ca.EnsureCA(cfg.caDir, logger)
	if err != nil {
		return fmt.Errorf("bootstrap CA: %w", err)
	}
	if created {
		logger.Info().Str("dir", cfg.caDir).Msg("new root certificate generated; trust cer/ca.crt before routing clients through this proxy")
	}

	sessions := session.NewStore(
		cache.WithCapacity[cachekey.ConnectionKey, session.Session](cfg.sessionCap),
		cache.WithFlushInterval[cachekey.ConnectionKey, session.Session](cfg.flushInterval),
	)

	factory := func() upstream.Client {
		opts := []upstream.ClientOption{upstream.WithDNSServer(cfg.dnsServer)}
		if cfg.upstreamProxy != "" {
			opts = append(opts, upstream.WithUpstreamProxy(cfg.upstreamProxy, ""))
		}
		if cfg.tlsKeyLogPath != "" {
			opts = append(opts, upstream.WithTLSKeyLog(cfg.tlsKeyLogPath))
		}
		return upstream.NewImpersonatingClient(cfg.preset, opts...)
	}
	upstreams := upstream.NewStore(
		factory,
		cache.WithCapacity[cachekey.UpstreamClientKey, upstream.Client](cfg.upstreamCap),
		cache.WithFlushInterval[cachekey.UpstreamClientKey, upstream.Client](cfg.flushInterval),
	)

	dispatcher := dispatch.New(authn.New(), sessions, upstreams, logger)

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.listenAddr, err)
	}

	srv := &mitm.Server{
		Listener:         ln,
		Leaves:           ca.NewLeafStore(root),
		Dispatcher:       dispatcher,
		Logger:           logger,
		HandshakeTimeout: cfg.handshakeTimeo,
	}

	logger.Info().Str("addr", ln.Addr().String()).Str("preset", cfg.preset).Msg("proxy listening")
	return srv.Serve(ctx)
}

// newLogger wires a zerolog.Logger reading its level from HUD_LOG
// (default "info", falling back to InfoLevel on a bad value) and writing
// a human-readable console format to a terminal or plain JSON otherwise.
// Every log line carries a process-lifetime run_id so log aggregation can
// group lines from the same proxy instance.
func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("HUD_LOG"))
	if err != nil || os.Getenv("HUD_LOG") == "" {
		level = zerolog.InfoLevel
	}

	isTerminal := false
	if fi, err := os.Stderr.Stat(); err == nil {
		isTerminal = fi.Mode()&os.ModeCharDevice != 0
	}

	logger := zerolog.New(os.Stderr)
	if isTerminal {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	return logger.Level(level).With().
		Timestamp().
		Str("run_id", uuid.NewString()).
		Logger()
}
