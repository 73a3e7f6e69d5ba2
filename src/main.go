// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/23f3003674/TDS-PROJECT-1/src/archive"
	"github.com/23f3003674/TDS-PROJECT-1/src/config"
	"github.com/23f3003674/TDS-PROJECT-1/src/generator"
	"github.com/23f3003674/TDS-PROJECT-1/src/githosting"
	"github.com/23f3003674/TDS-PROJECT-1/src/logging"
	"github.com/23f3003674/TDS-PROJECT-1/src/notifier"
	"github.com/23f3003674/TDS-PROJECT-1/src/processor"
	"github.com/23f3003674/TDS-PROJECT-1/src/store"
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using process environment")
	}

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	for _, problem := range cfg.Validate() {
		fmt.Printf("WARNING: %s\n", problem)
	}

	// Setup OpenTelemetry
	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	// Generate Unique ID
	workerID := uuid.New().String()
	fmt.Printf("Starting engine with UUID: %s\n", workerID)
	stats := logging.NewWorkerStats(workerID)

	// Setup Engine Metrics
	logging.InitializeFloatCounter("worker_tasks_total", "Total number of tasks accepted", "Task")
	logging.InitializeFloatCounter("worker_tasks_failed", "Number of failed tasks", "Task")
	logging.InitializeFloatCounter("worker_tasks_succeeded", "Number of succeeded tasks", "Task")
	logging.InitializeFloatCounter("worker_fallback_total", "Number of fallback generations", "Task")
	logging.InitializeFloatCounter("worker_notify_failures", "Number of callback delivery failures", "Task")

	// Select Status Store backend
	var taskStore store.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			panic(fmt.Sprintf("failed to open database: %v", err))
		}
		defer db.Close()
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(context.Background()); err != nil {
			panic(fmt.Sprintf("failed to prepare database schema: %v", err))
		}
		taskStore = pg
		logging.Log("Using Postgres status store", slog.LevelInfo)
	} else {
		taskStore = store.NewMemoryStore()
		logging.Log("Using in-memory status store", slog.LevelInfo)
	}

	gen := generator.New(generator.Config{
		APIKey:  cfg.ProviderKey,
		BaseURL: cfg.ProviderBaseURL,
		Model:   cfg.ProviderModel,
		Timeout: cfg.ProviderTimeout,
	})

	hosting := githosting.New(githosting.Config{
		Token:      cfg.GitHubToken,
		Username:   cfg.GitHubUsername,
		APIBaseURL: cfg.GitHubAPIBaseURL,
		MaxRetries: cfg.MaxRetries,
	})

	artifacts, err := archive.New(archive.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		fmt.Printf("Warning: artifact archive disabled: %v\n", err)
	}

	proc := processor.New(taskStore, gen, hosting,
		notifier.New(30*time.Second, cfg.MaxRetries, time.Second),
		artifacts, stats,
		processor.Options{
			Budget:        cfg.TaskBudget,
			MaxConcurrent: cfg.MaxConcurrent,
		})

	logging.Log("Task orchestration engine started. Waiting for submissions...", slog.LevelInfo)

	srv := NewAPIServer(cfg, taskStore, proc, stats)
	if err := StartAPIServer(srv, cfg.Port); err != nil {
		panic(err)
	}

	// Let in-flight tasks settle before the process exits.
	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logging.Log("Shutdown timeout reached with tasks still in flight", slog.LevelWarn)
	}
}
