package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/vango-go/vai-converse/pkg/auth"
	"github.com/vango-go/vai-converse/pkg/config"
	"github.com/vango-go/vai-converse/pkg/core/live"
	"github.com/vango-go/vai-converse/pkg/metrics"
	"github.com/vango-go/vai-converse/pkg/transport"
	"github.com/vango-go/vai-converse/pkg/transport/wstransport"
)

type converseDeps struct {
	loadConfig   func() (config.Config, error)
	newDialer    func(config.Config, *slog.Logger) transport.Dialer
	openDevices  func(enableMic, enableSpeaker bool) (*devices, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultConverseDeps() converseDeps {
	return converseDeps{
		loadConfig:  config.LoadFromEnv,
		newDialer:   newWebSocketDialer,
		openDevices: openDevices,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newWebSocketDialer(cfg config.Config, logger *slog.Logger) transport.Dialer {
	wsCfg := wstransport.DefaultConfig(cfg.WebSocketURL)
	wsCfg.PingInterval = cfg.PingInterval
	wsCfg.WriteTimeout = cfg.WriteTimeout
	wsCfg.HandshakeTimeout = cfg.Session.ConnectTimeout
	return wstransport.NewDialer(wsCfg, logger)
}

func newAuthProvider(cfg config.Config) auth.Provider {
	if cfg.Token != "" {
		return auth.StaticProvider{Token: auth.Token{Token: cfg.Token, Type: "Bearer"}}
	}
	return auth.NewCachingProvider(auth.NewHTTPProvider(cfg.TokenURL, cfg.APIKey, cfg.Session.Scene), cfg.TokenRefreshSkew)
}

func newLogger(w io.Writer, level, format string, tty bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" || (format == "auto" && !tty) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func runConverse(ctx context.Context, stdin io.Reader, stdout io.Writer, logger *slog.Logger, cfg config.Config, deps converseDeps) error {
	if deps.newDialer == nil || deps.openDevices == nil {
		return errors.New("missing session dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := metrics.New("vai_converse")
	if cfg.MetricsAddr != "" {
		srv := buildMetricsServer(cfg.MetricsAddr, m.Handler())
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", cfg.MetricsAddr)
	}

	devs, err := deps.openDevices(cfg.EnableMic, cfg.EnableSpeaker)
	if err != nil {
		return fmt.Errorf("open audio devices: %w", err)
	}
	defer devs.close()

	con := newConsole(stdout, devs.speaker)
	sess, err := live.NewSession(cfg.Session, live.Dependencies{
		Dialer:   deps.newDialer(cfg, logger),
		Auth:     newAuthProvider(cfg),
		Handler:  con,
		Source:   devs.mic,
		Recorder: m,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	con.names = sess.Directory().NameOf

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sess.Run(runCtx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	logger.Info("starting session", "url", cfg.WebSocketURL, "scene", cfg.Session.Scene, "agents", cfg.Session.Agents)
	con.printf("type /help for commands\n")

	r := &repl{sess: sess, con: con, speaker: devs.speaker, interruptOnSend: cfg.Session.InterruptOnSend}
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if r.handle(runCtx, line) {
				break loop
			}
		case err := <-runErrCh:
			_ = sess.Stop()
			return err
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	stopErr := sess.Stop()
	cancel()
	if err := <-runErrCh; err != nil {
		return err
	}
	return stopErr
}

func runMain(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, tty bool, deps converseDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-converse: load .env: %v\n", err)
		return 1
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "vai-converse: missing loadConfig dependency")
		return 1
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "vai-converse: load config: %v\n", err)
		return 1
	}

	logger := newLogger(stderr, cfg.LogLevel, cfg.LogFormat, tty)
	if err := runConverse(ctx, stdin, stdout, logger, cfg, deps); err != nil {
		fmt.Fprintf(stderr, "vai-converse: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	tty := term.IsTerminal(int(os.Stderr.Fd()))
	os.Exit(runMain(context.Background(), os.Stdin, os.Stdout, os.Stderr, tty, defaultConverseDeps()))
}
