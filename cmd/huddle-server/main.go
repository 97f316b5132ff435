package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/huddlechat/huddle/internal/api"
	"github.com/huddlechat/huddle/internal/backend"
	"github.com/huddlechat/huddle/internal/config"
	"github.com/huddlechat/huddle/internal/localstore"
	"github.com/huddlechat/huddle/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	debugAddr      string
	backendURL     string
	backendAPIKey  string
	statePath      string
	signingKey     string
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&debugAddr, "debug-addr", "", "address for the stats endpoint, disabled when empty")
	flag.StringVar(&backendURL, "backend-url", "http://localhost:8080", "backend API base URL")
	flag.StringVar(&backendAPIKey, "backend-api-key", "", "backend API key")
	flag.StringVar(&statePath, "state-path", "huddle.db", "path to the local state database")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[huddle] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, backendURL, backendAPIKey, statePath, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	store, err := localstore.NewSqliteRepository(cfg.StatePath)
	if err != nil {
		logger.Fatal("state db open:", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Fatal("state db close:", err)
		}
	}()

	debugMux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(debugMux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		go func() {
			logger.Printf("serving stats on %s\n", debugAddr)
			if err := http.ListenAndServe(debugAddr, debugMux); err != nil {
				logger.Println("stats server:", err)
			}
		}()
	}

	bc := backend.NewClient(cfg.BackendURL, cfg.BackendAPIKey, logger)
	srv := api.NewServer(logger, bc, store, statsUpdater, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
