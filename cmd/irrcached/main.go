package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bgp/irrcache/internal/config"
	"github.com/bgp/irrcache/internal/httpapi"
	"github.com/bgp/irrcache/internal/supervisor"
)

var (
	AppVersion = "irrcached 0.1.0"

	ConfigFile = flag.String("config", "./conf/irrcached.yaml", "Configuration file")
	Version    = flag.Bool("version", false, "Print version")
)

func main() {
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Printf("%s: illegal positional argument(s) provided (\"%s\") - did you mean to provide a flag?\n", os.Args[0], strings.Join(flag.Args(), " "))
		os.Exit(2)
	}

	if *Version {
		fmt.Println(AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("Invalid log level specified, using default: %v", err)
		log.SetLevel(log.InfoLevel)
	}

	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()
		log.SetOutput(logFile)
	}
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logEntry := log.WithField("component", "irrcached")

	sup := supervisor.New(cfg, logEntry)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	pipelinesDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(pipelinesDone)
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.Handler(sup, logEntry),
	}
	serverErr := make(chan error, 1)
	go func() {
		logEntry.Infof("listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case sig := <-sigCh:
		logEntry.Infof("received signal %s, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			logEntry.Errorf("http server failed: %v", err)
			cancel()
			<-pipelinesDone
			os.Exit(1)
		}
	}

	// Cancelling ctx stops each registry pipeline: in-flight snapshot
	// writes complete (temp-then-rename), open NRTM connections close,
	// and any uncommitted delta packet is dropped in place, per the
	// cancellation semantics.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logEntry.Warnf("http server shutdown: %v", err)
	}

	<-pipelinesDone
	logEntry.Info("shutdown complete")
}
