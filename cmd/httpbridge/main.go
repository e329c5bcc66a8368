package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sadewadee/httpbridge/internal/adapter"
	"github.com/sadewadee/httpbridge/internal/codec"
	"github.com/sadewadee/httpbridge/internal/config"
	"github.com/sadewadee/httpbridge/internal/pool"
	"github.com/sadewadee/httpbridge/internal/router"
	"github.com/sadewadee/httpbridge/internal/server"
	"github.com/sadewadee/httpbridge/internal/value"
	"github.com/sadewadee/httpbridge/internal/websocket"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "start":
		serve()
	case "call":
		if err := call(os.Args[2:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "call: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("httpbridge v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serve() {
	cfgPath := "httpbridge.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	logger, _ := setupLogger("info", "json", "stdout")
	logger.Info("httpbridge starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logger, closer := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if closer != nil {
		defer closer.Close()
	}

	if cfg.Runtime.Binary == "" {
		logger.Error("runtime.binary is required to serve")
		os.Exit(1)
	}

	workerPool, err := pool.New(cfg.Runtime, logger)
	if err != nil {
		logger.Error("failed to create worker pool", "error", err)
		os.Exit(1)
	}
	if err := workerPool.Start(); err != nil {
		logger.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	var tap *websocket.Manager
	var observer adapter.Observer
	if cfg.Tap.Enabled {
		tap = websocket.NewManager(cfg.Tap.MaxClients, logger)
		observer = tap
	}

	catalog, err := server.NewCatalog(cfg)
	if err != nil {
		logger.Error("invalid operations", "error", err)
		os.Exit(1)
	}
	factory, err := server.NewFactory(cfg, catalog, logger, observer)
	if err != nil {
		logger.Error("invalid port options", "error", err)
		os.Exit(1)
	}

	srv := server.New(cfg, factory, workerPool, tap, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot reload of operations and port options
	if cfg.Watch.Enabled {
		go func() {
			err := config.Watch(ctx, cfgPath, cfg.Watch.Debounce.Duration(), logger, func(next *config.Config) {
				applyConfig(cfg, next, catalog, srv, observer, logger)
			})
			if err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	// Restart workers when the runtime's sources change
	if cfg.Watch.Enabled && len(cfg.Watch.Dirs) > 0 {
		watcher := pool.NewWatcher(
			cfg.Watch.Dirs,
			cfg.Watch.Exts,
			cfg.Watch.Debounce.Duration(),
			logger,
			func() {
				if err := workerPool.Reload(); err != nil {
					logger.Error("reload failed", "error", err)
				}
			},
		)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("file watcher stopped", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// SIGUSR1 restarts the workers without dropping connections
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGUSR1)
	go func() {
		for range reload {
			logger.Info("SIGUSR1 received, reloading workers")
			if err := workerPool.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	logger.Info("httpbridge ready", "address", cfg.Server.Address, "port", cfg.Port.Name)

	<-quit
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := workerPool.Stop(); err != nil {
		logger.Error("pool shutdown error", "error", err)
	}

	logger.Info("httpbridge stopped")
}

// applyConfig installs the operations and port options of next. Settings
// bound at startup only are reported and left unchanged.
func applyConfig(current, next *config.Config, catalog *router.Catalog, srv *server.Server, observer adapter.Observer, logger *slog.Logger) {
	if next.Server.Address != current.Server.Address {
		logger.Warn("server.address changed; restart to apply", "address", next.Server.Address)
	}
	if next.Runtime.Binary != current.Runtime.Binary || next.Runtime.Codec != current.Runtime.Codec {
		logger.Warn("runtime settings changed; restart to apply")
	}

	nextCatalog, err := server.NewCatalog(next)
	if err != nil {
		logger.Error("config reload rejected", "error", err)
		return
	}
	factory, err := server.NewFactory(next, catalog, logger, observer)
	if err != nil {
		logger.Error("config reload rejected", "error", err)
		return
	}
	catalog.Replace(nextCatalog)
	srv.SetFactory(factory)
	logger.Info("config reloaded", "operations", len(next.Operations), "port", next.Port.Name)
}

// call sends one message through an output port and prints the reply.
// args: <config> <output> <operation> [body.xml|-]
func call(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) < 3 {
		return errors.New("usage: httpbridge call <config> <output> <operation> [body.xml|-]")
	}
	cfgPath, output, operation := args[0], args[1], args[2]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, closer := setupLogger(cfg.Logging.Level, cfg.Logging.Format, "stderr")
	if closer != nil {
		defer closer.Close()
	}

	v, err := readBody(args[3:], stdin)
	if err != nil {
		return err
	}

	// outbound operations live in the remote service, not in our catalog
	factory, err := server.NewOutputFactory(cfg, output, router.NewCatalog(), logger)
	if err != nil {
		return err
	}
	uri, err := factory.Location.Resolve()
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", uri.Host, cfg.Server.ReadTimeout.Duration())
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", uri.Host, err)
	}
	defer conn.Close()
	if d := cfg.Server.ReadTimeout.Duration(); d > 0 {
		conn.SetDeadline(time.Now().Add(d))
	}

	ex := factory.NewExchange(&adapter.Channel{})
	if err := ex.Send(bufio.NewWriter(conn), adapter.Message{Operation: operation, Value: v}); err != nil {
		return err
	}
	reply, err := ex.Recv(bufio.NewReader(conn))
	if err != nil {
		return err
	}

	out, err := codec.EncodeXML(reply.Value)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, out)
	return err
}

// readBody decodes the XML request body from a file, from stdin for "-",
// or returns an empty value when no body is given.
func readBody(args []string, stdin io.Reader) (*value.Value, error) {
	if len(args) == 0 {
		return value.New(), nil
	}
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return codec.Decode(codec.ContentTypeXML, data)
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
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
	w, closer := resolveLogOutput(output)

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

// resolveLogOutput maps "stdout", "stderr" or a file path to a writer. The
// closer is nil unless a file was opened.
func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file %s: %v; logging to stdout\n", output, err)
		return os.Stdout, nil
	}
	return f, f
}

func printUsage() {
	fmt.Println(`httpbridge - HTTP/1.x protocol bridge for a service runtime

Usage:
  httpbridge <command> [options]

Commands:
  serve [config]                               Start the server (default config: httpbridge.yaml)
  start [config]                               Alias for serve
  call <config> <output> <operation> [body]    Send one message through an output port
  version                                      Show version
  help                                         Show this help

Signals:
  SIGUSR1          Graceful worker reload
  SIGINT/SIGTERM   Graceful shutdown

Examples:
  httpbridge serve
  httpbridge serve /etc/httpbridge/httpbridge.yaml
  httpbridge call httpbridge.yaml upstream getUser user.xml
  kill -USR1 $(pidof httpbridge)   # Reload workers`)
}
