// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ensembled is the workflow engine server: HTTP API, virtual preview
// sandbox, and Prometheus metrics over a MongoDB-backed store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ensemble/internal/addons"
	"github.com/tombee/ensemble/internal/api"
	"github.com/tombee/ensemble/internal/engine"
	"github.com/tombee/ensemble/internal/events"
	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/queue"
	"github.com/tombee/ensemble/internal/resolver"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/version"
	"github.com/tombee/ensemble/internal/virtual"
)

// Version information (injected via ldflags at build time)
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	var (
		host     string
		port     int
		mongoURI string
		database string
		verbose  bool
	)

	rootCmd := &cobra.Command{
		Use:     "ensembled",
		Short:   "Ensemble workflow engine server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", buildVersion, buildCommit, buildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(host, port, mongoURI, database, verbose)
		},
	}
	rootCmd.Flags().StringVar(&host, "host", "127.0.0.1", "Address to bind")
	rootCmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	rootCmd.Flags().StringVar(&mongoURI, "mongo", "mongodb://localhost:27017", "MongoDB connection URI")
	rootCmd.Flags().StringVar(&database, "db", "ensemble", "MongoDB database name")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(host string, port int, mongoURI, database string, verbose bool) error {
	logCfg := log.FromEnv()
	if verbose {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	st, err := store.NewMongo(connectCtx, mongoURI, database)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connecting to mongodb: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn("closing store", log.Error(err))
		}
	}()

	evs := events.New(st, logger)
	versions := version.NewService(st, logger)
	q := queue.New(st, logger)
	registry := module.NewRegistry(module.Builtins(q))
	pipeline := addons.NewPipeline(addons.Builtins(st), logger)
	eng := engine.New(st, evs, versions, registry, resolver.New(logger), pipeline, logger)
	server := api.NewServer(eng, versions, virtual.New(logger), st, logger)

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "version", buildVersion)
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		// A second interrupt skips the graceful drain.
		go func() {
			<-sigCh
			logger.Warn("forced exit")
			os.Exit(1)
		}()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", log.Error(err))
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", log.Error(err))
			return err
		}
		return nil
	}
}
