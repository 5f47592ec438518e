package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	bridge "github.com/MegaGrindStone/go-mcp-bridge"
	"github.com/MegaGrindStone/go-mcp-bridge/directory/redisdir"
	"github.com/MegaGrindStone/go-mcp-bridge/servers/calculator"
	"github.com/MegaGrindStone/go-mcp-bridge/servers/toolfilter"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the calculator tools over SSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromViper(v)
			if err != nil {
				return err
			}

			level := new(slog.LevelVar)
			lvl, err := parseLevel(cfg.LogLevel)
			if err != nil {
				return err
			}
			level.Set(lvl)

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, level)
			if err != nil {
				return err
			}
			watchLogLevel(v, level, logger)

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Listen, err)
			}
			return serve(cmd.Context(), cfg, ln, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringP("listen", "l", "127.0.0.1:8080", "listen address")
	flags.String("base-url", "", "externally reachable base URL prefixed to the announced message endpoint (e.g. https://host)")
	flags.String("sse-path", bridge.DefaultSSEPath, "HTTP path of the event stream endpoint")
	flags.String("message-path", bridge.DefaultMessagePath, "HTTP path of the message endpoint")
	flags.String("metrics-path", "/metrics", "HTTP path of the Prometheus endpoint; empty disables it")
	flags.Int64("max-message-bytes", bridge.DefaultMaxMessageSize, "maximum accepted message size in bytes")
	flags.Duration("keepalive", 30*time.Second, "interval between keep-alive comments on idle streams; 0 disables them")
	flags.String("redis-addr", "", "redis address for cross-replica session id claims; empty disables them")
	flags.String("redis-key-prefix", "mcp-bridge:sessions:", "prefix of redis claim keys")
	flags.Duration("redis-lease-ttl", 2*time.Minute, "lease of a redis session claim")
	flags.StringSlice("tools", nil, "glob patterns of the tools to expose; empty exposes all")

	mustBindFlag(v, listenKey, "BRIDGE_ADDR", flags.Lookup("listen"))
	mustBindFlag(v, baseURLKey, "BRIDGE_BASE_URL", flags.Lookup("base-url"))
	mustBindFlag(v, ssePathKey, "BRIDGE_SSE_PATH", flags.Lookup("sse-path"))
	mustBindFlag(v, messagePathKey, "BRIDGE_MESSAGE_PATH", flags.Lookup("message-path"))
	mustBindFlag(v, metricsPathKey, "BRIDGE_METRICS_PATH", flags.Lookup("metrics-path"))
	mustBindFlag(v, maxMessageKey, "BRIDGE_MAX_MESSAGE_BYTES", flags.Lookup("max-message-bytes"))
	mustBindFlag(v, keepAliveKey, "BRIDGE_KEEPALIVE", flags.Lookup("keepalive"))
	mustBindFlag(v, redisAddrKey, "BRIDGE_REDIS_ADDR", flags.Lookup("redis-addr"))
	mustBindFlag(v, redisKeyPrefixKey, "BRIDGE_REDIS_KEY_PREFIX", flags.Lookup("redis-key-prefix"))
	mustBindFlag(v, redisLeaseTTLKey, "BRIDGE_DIRECTORY_TTL", flags.Lookup("redis-lease-ttl"))
	mustBindFlag(v, toolsKey, "BRIDGE_TOOLS", flags.Lookup("tools"))

	return cmd
}

// serve runs the bridge on ln until ctx is done, then shuts sessions down before the listener.
func serve(ctx context.Context, cfg Config, ln net.Listener, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := bridge.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	registryOpts := []bridge.RegistryOption{
		bridge.WithRegistryLogger(logger),
		bridge.WithRegistryMetrics(metrics),
	}
	if cfg.RedisAddr != "" {
		dir, err := redisdir.New(redisdir.Config{
			RedisAddr: cfg.RedisAddr,
			KeyPrefix: cfg.RedisKeyPrefix,
			LeaseTTL:  cfg.RedisLeaseTTL,
		}, logger)
		if err != nil {
			return err
		}
		defer dir.Close()

		dirCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go dir.Run(dirCtx)

		registryOpts = append(registryOpts, bridge.WithSessionDirectory(dir))
		logger.Info("session directory enabled", slog.String("redis", cfg.RedisAddr))
	}

	var tools bridge.ToolServer = calculator.NewServer(logger)
	if len(cfg.Tools) > 0 {
		filtered, err := toolfilter.New(tools, cfg.Tools)
		if err != nil {
			return err
		}
		tools = filtered
	}

	srv := bridge.NewServer(
		bridge.Info{Name: "mcp-bridge", Version: version},
		tools,
		bridge.WithServerLogger(logger),
		bridge.WithServerMetrics(metrics),
	)

	sseSrv := bridge.NewSSEServer(cfg.MessageURL(), srv,
		bridge.WithSSEServerLogger(logger),
		bridge.WithSSEServerMetrics(metrics),
		bridge.WithSSEServerRegistry(bridge.NewSessionRegistry(registryOpts...)),
		bridge.WithSSEServerPaths(cfg.SSEPath, cfg.MessagePath),
		bridge.WithSSEServerMaxMessageSize(cfg.MaxMessageBytes),
		bridge.WithSSEServerKeepAlive(cfg.KeepAlive),
	)

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.SSEPath, sseSrv.HandleSSE())
	mux.Handle("POST "+cfg.MessagePath, sseSrv.HandleMessage())
	if cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	errs := make(chan error, 1)
	go func() {
		errs <- httpSrv.Serve(ln)
	}()

	logger.Info("serving",
		slog.String("addr", ln.Addr().String()),
		slog.String("ssePath", cfg.SSEPath),
		slog.String("messageURL", cfg.MessageURL()))

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down", slog.Int("sessions", sseSrv.Registry().Len()))

	if err := sseSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to close sessions", slog.String("err", err.Error()))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// watchLogLevel reapplies log.level when the config file changes.
func watchLogLevel(v *viper.Viper, level *slog.LevelVar, logger *slog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		lvl, err := parseLevel(v.GetString(logLevelKey))
		if err != nil {
			logger.Warn("ignoring config change", slog.String("file", e.Name), slog.String("err", err.Error()))
			return
		}
		if lvl != level.Level() {
			level.Set(lvl)
			logger.Info("log level changed", slog.String("level", lvl.String()))
		}
	})
	v.WatchConfig()
}
