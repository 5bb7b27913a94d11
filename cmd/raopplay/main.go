// Command raopplay streams an ALAC-encoded M4A file to an AirPort Express
// receiver over the RAOP protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethan/raopplay/internal/config"
	"github.com/ethan/raopplay/internal/digest"
	"github.com/ethan/raopplay/internal/logger"
	"github.com/ethan/raopplay/internal/m4a"
	"github.com/ethan/raopplay/internal/raop"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("raopplay", pflag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)

	configPath := fs.String("config", config.DefaultPath(), "path to the YAML defaults file")
	host := fs.String("host", "", "receiver IP address (overrides config default)")
	port := fs.Int("port", 0, "receiver control port (overrides config default)")
	file := fs.String("file", "", "path to the ALAC M4A file to stream")
	volume := fs.Float64("volume", -1, "playback volume in [0, 30] (overrides config default)")
	start := fs.Float64("start", 0, "intra-file offset in seconds to start from")
	password := fs.String("password", "", "Digest auth password override (overrides config default)")
	progress := fs.Bool("progress", false, "periodically log playback progress")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s --file <path.m4a> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error configuring logger: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting raopplay", "log_config", logFlags.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if *host != "" {
		cfg.Receiver.Host = *host
	}
	if *port != 0 {
		cfg.Receiver.Port = *port
	}
	if *volume >= 0 {
		cfg.Receiver.Volume = *volume
	}
	if *password != "" {
		cfg.Auth.Password = *password
	}

	if *file == "" {
		fmt.Fprintln(os.Stderr, "error: --file is required")
		os.Exit(1)
	}
	if cfg.Receiver.Host == "" {
		fmt.Fprintln(os.Stderr, "error: --host (or a config receiver.host default) is required")
		os.Exit(1)
	}

	desc, err := m4a.Parse(*file, log, nil)
	if err != nil {
		log.Error("failed to parse M4A file", "file", *file, "error", err)
		os.Exit(1)
	}
	log.Info("parsed M4A file",
		"file", *file,
		"status", desc.Status.String(),
		"encoding", desc.Encoding.String(),
		"sample_count", desc.SampleCount,
		"timescale", desc.Timescale)
	if desc.Status == m4a.StatusParsedWithWarnings {
		for _, w := range desc.Warnings {
			log.Warn("parse warning", "detail", w)
		}
	}

	creds := digest.DefaultCredentials()
	if cfg.Auth.Username != "" {
		creds.Username = cfg.Auth.Username
	}
	if cfg.Auth.Password != "" {
		creds.Password = cfg.Auth.Password
	}

	session, err := raop.NewSession(log, cfg.Receiver.Host, cfg.Receiver.Port, *file, desc, creds)
	if err != nil {
		log.Error("failed to open session", "error", err)
		os.Exit(1)
	}

	if cfg.Receiver.Volume >= 0 {
		_ = session.SetVolume(cfg.Receiver.Volume)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := session.Play(ctx, *start); err != nil {
		log.Error("failed to start playback", "error", err)
		os.Exit(1)
	}
	log.Info("playback started", "host", cfg.Receiver.Host, "port", cfg.Receiver.Port)

	if *progress {
		go logProgress(ctx, log, session)
	}

	go func() {
		session.Wait()
		log.Info("playback finished")
		cancel()
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := session.Stop(stopCtx); err != nil {
		log.Error("error during shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("graceful shutdown complete")
}

func logProgress(ctx context.Context, log *logger.Logger, session *raop.Session) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info("progress", "seconds", session.Progress())
		}
	}
}
