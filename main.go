// Copyright 2024 The Openlot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openlot/openlot/migrate"
	"github.com/openlot/openlot/server"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
			return
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args[1:])
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Openlot starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver))

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	db := server.DbConnect(ctx, startupLogger, config)
	migrate.StartupCheck(startupLogger, db)

	metrics := server.NewMetrics(logger, startupLogger, config)
	store := server.NewSQLStore(logger, db)
	arbiter := server.NewRedisArbiter(logger, config)
	scheduler := server.NewScheduler()
	hub := server.NewHub(logger)
	coordinator := server.NewCoordinator(logger, config, store, arbiter, scheduler, hub, metrics)

	// Re-hydrate live auctions before accepting traffic so recovered
	// items are already ticking when the first client connects.
	if err := coordinator.Recover(ctx); err != nil {
		startupLogger.Fatal("Failed to recover active auctions", zap.Error(err))
	}

	apiServer := server.StartApiServer(logger, startupLogger, config, store, coordinator, hub)

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	logger.Info("Shutting down")

	apiServer.Stop()
	coordinator.Stop()
	scheduler.Stop()
	arbiter.Stop()
	metrics.Stop()
	ctxCancelFn()
	if err := db.Close(); err != nil {
		logger.Error("Error closing database", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}
