package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/omochice/tiny-chat/internal/chat"
	"github.com/omochice/tiny-chat/internal/client"
	"github.com/omochice/tiny-chat/internal/config"
	"github.com/omochice/tiny-chat/internal/logging"
	"github.com/omochice/tiny-chat/internal/metrics"
	"github.com/omochice/tiny-chat/internal/status"
	"github.com/omochice/tiny-chat/internal/store"
	"github.com/omochice/tiny-chat/internal/transport"
	"github.com/omochice/tiny-chat/pkg/protocol"

	_ "github.com/omochice/tiny-chat/internal/transport/gobwas"
	_ "github.com/omochice/tiny-chat/internal/transport/gorilla"
	_ "github.com/omochice/tiny-chat/internal/transport/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	server      string
	origin      string
	transport   string
	codec       string
	logLevel    string
	logPretty   bool
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "tinychat",
		Short: "Terminal client for a tiny chat agent server",
		Long: `Connects to a chat agent server over WebSocket and opens an interactive prompt.

The connection is kept alive with heartbeats and re-established automatically
when it drops. Replies stream in as the agent writes them.

Commands:
  /new      - Start a new conversation
  /stop     - Ask the agent to stop the current reply
  /history  - Show the conversation so far
  /status   - Show connection status
  /quit     - Exit (or Ctrl+D)`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags(), &opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	bindFlags(cmd.Flags(), &opts)
	return cmd
}

func bindFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	fs.StringVarP(&opts.server, "server", "s", "", "Server URL (e.g., http://localhost:8000); overrides --origin")
	fs.StringVar(&opts.origin, "origin", "", "Page origin the endpoint is derived from")
	fs.StringVar(&opts.transport, "transport", "", "WebSocket implementation: nhooyr, gorilla or gobwas")
	fs.StringVar(&opts.codec, "codec", "", "Wire codec: json or proto")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&opts.logPretty, "log-pretty", true, "Human-readable log output")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

// loadConfig layers explicitly set flags over the loaded configuration and
// validates the result.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(fs, opts, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags overrides cfg with the flags the user set explicitly.
func applyFlags(fs *pflag.FlagSet, opts *options, cfg *config.Config) {
	if fs.Changed("server") {
		cfg.ServerURL = opts.server
	}
	if fs.Changed("origin") {
		cfg.Origin = opts.origin
	}
	if fs.Changed("transport") {
		cfg.Transport = opts.transport
	}
	if fs.Changed("codec") {
		cfg.Codec = opts.codec
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if fs.Changed("log-pretty") {
		cfg.Log.Pretty = opts.logPretty
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     os.ExpandEnv("$HOME/.tinychat_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer func() {
		_ = rl.Close()
	}()

	logger := logging.NewWithComponent(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: rl.Stderr(),
	}, "tinychat")

	url, err := transport.ResolveEndpoint(cfg.ServerURL, cfg.Origin)
	if err != nil {
		return err
	}
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}
	dialer, err := transport.NewDialer(cfg.Transport, transport.Options{
		Binary:    codec.Binary(),
		ReadLimit: cfg.ReadLimit,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	mt := metrics.New(reg)
	if cfg.Metrics.Addr != "" {
		serveMetrics(ctx, cfg.Metrics.Addr, reg, logger)
	}

	pub := status.NewPublisher()
	pub.Subscribe(func(s status.Status) {
		logger.Info().Str("status", s.String()).Msg("Connection status changed")
	})

	manager := client.New(client.Config{
		URL:               url,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectInterval: cfg.ReconnectInterval,
		DialTimeout:       cfg.DialTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}, dialer,
		client.WithCodec(codec),
		client.WithStatus(pub),
		client.WithLogger(logging.Component(logger, "client")),
		client.WithMetrics(mt),
	)
	defer manager.Close()

	session := chat.NewSession(manager, store.New(), pub, logging.Component(logger, "chat"))
	sh := newShell(session, rl.Stdout())
	manager.OnMessage(sh.render)

	logger.Info().
		Str("url", url).
		Str("transport", cfg.Transport).
		Str("codec", cfg.Codec).
		Str("conversation", session.ID()).
		Msg("Starting tinychat")
	manager.Connect()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	return sh.loop(ctx, rl)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
