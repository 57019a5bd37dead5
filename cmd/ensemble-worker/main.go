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

// ensemble-worker polls the task queue and executes media generation
// tasks against registered providers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/queue"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/worker"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	var (
		mongoURI   string
		database   string
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:     "ensemble-worker",
		Short:   "Ensemble queue worker",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", buildVersion, buildCommit, buildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(mongoURI, database, configPath, verbose)
		},
	}
	rootCmd.Flags().StringVar(&mongoURI, "mongo", "mongodb://localhost:27017", "MongoDB connection URI")
	rootCmd.Flags().StringVar(&database, "db", "ensemble", "MongoDB database name")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Worker config file (yaml)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(mongoURI, database, configPath string, verbose bool) error {
	logCfg := log.FromEnv()
	if verbose {
		logCfg.Level = "debug"
	}
	logger := log.New(logCfg)
	slog.SetDefault(logger)

	cfg := &worker.Config{}
	if configPath != "" {
		loaded, err := worker.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

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

	q := queue.New(st, logger)
	media := worker.NewMediaActor(st, providers(), nil)
	pool, err := worker.NewPool(cfg, q, []worker.Actor{media}, logger)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		<-sigCh
		logger.Warn("forced exit")
		os.Exit(1)
	}()

	logger.Info("worker started", "worker_id", cfg.WorkerID, "version", buildVersion)
	return pool.Run(ctx)
}

// providers lists the generation backends this worker serves. Real
// provider integrations register here; the static provider keeps the
// pipeline exercisable without external credentials.
func providers() map[string]worker.Provider {
	return map[string]worker.Provider{
		"static": staticProvider{},
	}
}

// staticProvider fabricates a single text artifact from the prompt.
type staticProvider struct{}

func (staticProvider) Generate(ctx context.Context, prompt string, params map[string]any, progress worker.ProgressFunc) ([]worker.Artifact, error) {
	progress(0, "generating")
	return []worker.Artifact{{
		ContentType: "text/plain",
		Content:     "generated: " + prompt,
		Metadata:    params,
	}}, nil
}
