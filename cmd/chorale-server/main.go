// ABOUTME: Entry point for the Chorale playback server
// ABOUTME: Parses CLI flags, loads config and runs the engine
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/chorale-audio/chorale-go/internal/config"
	"github.com/chorale-audio/chorale-go/internal/localplayer"
	"github.com/chorale-audio/chorale-go/internal/server"
)

var (
	configPath = flag.String("config", "chorale.yaml", "Config file path")
	name       = flag.String("name", "", "Server friendly name (default: hostname-chorale)")
	logFile    = flag.String("log-file", "", "Log file path (default from config)")
	noTUI      = flag.Bool("no-tui", false, "Disable the terminal status display")
	noMDNS     = flag.Bool("no-mdns", false, "Disable mDNS discovery")
	localOut   = flag.Bool("local-output", false, "Register the machine's sound device as a player")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *name != "" {
		cfg.Server.Name = *name
	} else if cfg.Server.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Server.Name = fmt.Sprintf("%s-chorale", hostname)
	}
	if *logFile != "" {
		cfg.Server.LogFile = *logFile
	}
	if *noMDNS {
		cfg.Server.Discovery = false
	}

	// Log to both file and stdout so the TUI does not hide errors.
	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	log.Printf("Starting Chorale Server: %s on port %d", cfg.Server.Name, cfg.Server.Port)
	log.Printf("Press Ctrl-C to stop")

	eng, err := server.New(cfg)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}
	if *localOut {
		if err := eng.RegisterPlayer(localplayer.New("local", "Local Output")); err != nil {
			log.Fatalf("registering local output: %v", err)
		}
	}
	if err := eng.Start(); err != nil {
		log.Fatalf("starting engine: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *noTUI {
		sig := <-sigChan
		log.Printf("Received %v signal, shutting down gracefully...", sig)
		eng.Shutdown()
		log.Printf("Server stopped")
		return
	}

	tui := server.NewTUI()
	watchCtx, stopWatch := context.WithCancel(context.Background())
	go eng.WatchStatus(watchCtx, tui)

	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("Received %v signal, shutting down gracefully...", sig)
		case <-tui.QuitChan():
			log.Printf("Quit requested, shutting down gracefully...")
		}
		stopWatch()
		tui.Stop()
	}()

	if err := tui.Start(cfg.Server.Name, cfg.Server.Port); err != nil {
		log.Printf("display error: %v", err)
	}
	stopWatch()
	eng.Shutdown()
	log.Printf("Server stopped")
}
