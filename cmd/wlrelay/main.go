package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wlrelay/internal/capture"
	"wlrelay/internal/compression"
	"wlrelay/internal/config"
	"wlrelay/internal/endpoint"
	"wlrelay/internal/gateway"
	"wlrelay/internal/healthz"
	"wlrelay/internal/hook"
	"wlrelay/internal/logging"
	"wlrelay/internal/metrics"
	"wlrelay/internal/ratelimit"
	"wlrelay/internal/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file (YAML, or TOML by .toml extension)")
	debug := flag.Bool("debug", false, "Log at debug level")
	printConfig := flag.Bool("print-config", false, "Print the effective config and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [-- command [args...]]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			fmt.Fprintf(os.Stderr, "config dump failed: %v\n", err)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	log := setupLogging(cfg, *debug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	var reloader *config.ReloadableConfig
	if *configPath != "" {
		var err error
		reloader, err = config.NewReloadable(*configPath, logging.Component("config"))
		if err != nil {
			log.Error().Err(err).Msg("config watch failed")
			return 1
		}
		defer reloader.Close()
		cfg = reloader.Get()
	}

	proto, err := cfg.BuildProtocol()
	if err != nil {
		log.Error().Err(err).Msg("protocol tables")
		return 1
	}
	rules, err := hook.NewRules(cfg.Hooks.Rules, logging.Component("rules"))
	if err != nil {
		log.Error().Err(err).Msg("hook rules")
		return 1
	}
	hooks := []hook.Hook{rules}
	if cfg.Capture.Enabled {
		alg, _ := compression.Parse(cfg.Capture.Compression)
		rec, err := capture.Open(capture.Options{
			Path:        cfg.Capture.Path,
			Format:      capture.Format(cfg.Capture.Format),
			Compression: alg,
			Buffer:      cfg.Capture.Buffer,
			Logger:      logging.Component("capture"),
		})
		if err != nil {
			log.Error().Err(err).Msg("capture")
			return 1
		}
		defer rec.Close()
		hooks = append(hooks, rec)
	}

	upstream, err := cfg.UpstreamPath()
	if err != nil {
		log.Error().Err(err).Msg("upstream display")
		return 1
	}

	var ln *endpoint.Listener
	if path := cfg.ListenPath(); path != "" {
		ln, err = endpoint.Listen(path)
	} else {
		ln, err = endpoint.ListenAuto(cfg.Listen.RuntimeDir, cfg.Listen.Prefix, cfg.Listen.Attempts)
	}
	if err != nil {
		log.Error().Err(err).Msg("listen")
		return 1
	}

	connector := endpoint.UnixConnector{Path: upstream, Timeout: cfg.ConnectTimeout()}
	health := healthz.New()
	health.Register(healthz.Upstream(connector))
	health.Register(healthz.Socket(ln.Path()))

	msrv, err := metrics.Start(cfg.Metrics.Listen, cfg.Metrics.AuthToken, cfg.Metrics.Pprof, health, logging.Component("metrics"))
	if err != nil {
		ln.Close()
		log.Error().Err(err).Msg("metrics")
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = msrv.Shutdown(shutdownCtx)
	}()

	gw := gateway.New(gateway.Config{
		Relay: relay.Config{
			Protocol:       proto,
			Hook:           hook.Chain(hooks...),
			MaxMessageSize: cfg.Relay.MaxMessageSize,
			QueueDepth:     cfg.Relay.QueueDepth,
			DrainTimeout:   cfg.DrainTimeout(),
			AllowOpaque:    cfg.AllowOpaque(),
			Logger:         logging.Component("relay"),
		},
		Upstream:      connector,
		UpstreamName:  upstream,
		AcceptLimiter: ratelimit.New(cfg.Listen.AcceptRate, cfg.Listen.AcceptBurst, cfg.Listen.AcceptMode),
		Logger:        log,
	})

	if reloader != nil {
		reloader.Watch(func(old, next *config.Config) {
			if err := rules.Update(next.Hooks.Rules); err != nil {
				log.Warn().Err(err).Msg("hook rules not updated")
			}
			if old.Logging.Level != next.Logging.Level && !*debug {
				if lvl, ok := logging.ParseLevel(next.Logging.Level); ok {
					zerolog.SetGlobalLevel(lvl)
				}
			}
			if old.Listen != next.Listen {
				gw.SetAcceptLimiter(ratelimit.New(next.Listen.AcceptRate, next.Listen.AcceptBurst, next.Listen.AcceptMode))
			}
			log.Info().Int("rules", rules.Len()).Str("level", zerolog.GlobalLevel().String()).Msg("config applied")
		})
	}

	log.Info().
		Str("socket", ln.Path()).
		Str("upstream", upstream).
		Int("rules", rules.Len()).
		Int("interfaces", len(proto.Names())).
		Bool("capture", cfg.Capture.Enabled).
		Msg("relay listening")

	serveErr := make(chan error, 1)
	go func() { serveErr <- gw.Serve(ctx, ln) }()

	args := flag.Args()
	if len(args) == 0 {
		if err := <-serveErr; err != nil {
			log.Error().Err(err).Msg("gateway stopped")
			return 1
		}
		return 0
	}

	code := runChild(ctx, args, childDisplay(ln, cfg.Listen.RuntimeDir), log)
	cancel()
	if err := <-serveErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("gateway stopped")
	}
	return code
}

// setupLogging builds the process logger at trace level and filters through
// the zerolog global level, so that a reload can change the level of every
// component logger at once.
func setupLogging(cfg *config.Config, debug bool) zerolog.Logger {
	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	logCfg.Format = cfg.Logging.Format
	if lvl, ok := logging.ParseLevel(cfg.Logging.Level); ok {
		logCfg.Level = lvl
	}
	logging.ApplyEnv(&logCfg)
	level := logCfg.Level
	if debug && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	logCfg.Level = zerolog.TraceLevel
	log := logging.Configure(logCfg)
	zerolog.SetGlobalLevel(level)
	return log.With().Str("component", "wlrelay").Logger()
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
