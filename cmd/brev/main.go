// Command brev runs the mail server: the configured protocol listeners
// (IMAP, POP3, SMTP), the background content workers and the operational
// HTTP endpoint, all over one store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brevmail/brev/blob"
	"github.com/brevmail/brev/cache"
	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/logger"
	"github.com/brevmail/brev/server/cleaner"
	"github.com/brevmail/brev/server/delivery"
	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/server/imap"
	"github.com/brevmail/brev/server/ops"
	"github.com/brevmail/brev/server/pop3"
	"github.com/brevmail/brev/server/smtp"
	"github.com/brevmail/brev/server/uploader"
	"github.com/brevmail/brev/store"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("brev version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brev: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "brev: initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	logger.Info("brev starting", "version", version, "commit", commit, "hostname", hostname)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, hostname); err != nil {
		logger.Fatal("brev failed", "error", err)
	}
	logger.Info("brev stopped")
}

// loadConfig overlays the TOML file on the defaults. The default path being
// absent is fine; a path the operator named must exist.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && path == "config.toml" {
		cfg = config.NewDefaultConfig()
		if verr := cfg.Validate(); verr != nil {
			return cfg, verr
		}
		return cfg, nil
	}
	return cfg, err
}

func run(ctx context.Context, cfg config.Config, hostname string) error {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	// Without an S3 endpoint the content workers stay off: spooled content
	// is never marked uploaded, so the cache never purges it and remains
	// the durable copy.
	var blobs blob.Store
	if cfg.S3.Endpoint != "" {
		blobs, err = blob.NewS3(cfg.S3)
		if err != nil {
			return fmt.Errorf("open blob store: %w", err)
		}
	} else {
		logger.Warn("no s3 endpoint configured, message content stays in the local cache")
		blobs = blob.NewMemory()
	}

	c, err := cache.New(cfg.Cache, st)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer c.Close()
	c.StartPurgeLoop(ctx)

	sink := events.NewLogSink()
	pipe := delivery.New(st, c, sink)
	content := uploader.NewContentReader(c, blobs)

	if cfg.S3.Endpoint != "" {
		up, err := uploader.New(st, blobs, c, cfg.Uploader)
		if err != nil {
			return fmt.Errorf("start uploader: %w", err)
		}
		up.Start(ctx)
		defer up.Stop()

		cl, err := cleaner.New(st, blobs, c, cfg.Cleaner)
		if err != nil {
			return fmt.Errorf("start cleaner: %w", err)
		}
		cl.Start(ctx)
		defer cl.Stop()
	}

	errChan := make(chan error, 4)
	var wg sync.WaitGroup

	startListener := func(name string, serve func() error, shutdown func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serve(); err != nil {
				select {
				case errChan <- fmt.Errorf("%s server: %w", name, err):
				default:
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdown()
		}()
	}

	if cfg.Servers.IMAP.Start {
		srv, err := imap.New(hostname, st, pipe, content, sink, cfg.Servers.IMAP)
		if err != nil {
			return fmt.Errorf("imap server: %w", err)
		}
		startListener("imap", func() error {
			return srv.ListenAndServe(ctx, cfg.Servers.IMAP.Addr)
		}, srv.Close)
	}

	if cfg.Servers.POP3.Start {
		srv, err := pop3.New(hostname, st, content, sink, cfg.Servers.POP3)
		if err != nil {
			return fmt.Errorf("pop3 server: %w", err)
		}
		startListener("pop3", func() error {
			return srv.ListenAndServe(ctx, cfg.Servers.POP3.Addr)
		}, srv.Close)
	}

	if cfg.Servers.SMTP.Start {
		srv, err := smtp.New(hostname, st, pipe, cfg.Servers.SMTP)
		if err != nil {
			return fmt.Errorf("smtp server: %w", err)
		}
		startListener("smtp", func() error {
			return srv.ListenAndServe(ctx, cfg.Servers.SMTP.Addr)
		}, srv.Close)
	}

	if cfg.Servers.Ops.Start {
		srv := ops.New(st, cfg.Servers.Ops)
		startListener("ops", func() error {
			return srv.ListenAndServe(ctx)
		}, srv.Close)
	}

	select {
	case <-ctx.Done():
		logger.Info("waiting for servers to stop")
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logger.Warn("server shutdown timeout reached")
		}
		return nil
	case err := <-errChan:
		return err
	}
}
