// Copyright 2025 Arion Yau
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

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"posgate/internal/broker"
	"posgate/internal/bus"
	"posgate/internal/gateway"
	"posgate/internal/logger"
	"posgate/internal/metrics"
	"posgate/internal/registry"
	"posgate/internal/storage"
	"posgate/internal/tap"
)

var (
	serveConfigDocument string
	serveStoreDriver    string
	serveStoreLocation  string
	serveGatewayAddr    string
	serveAPIAddr        string
	serveDebugFlag      bool
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the posgate daemon",
	Long: `Start the device gateway, the broker and the admin API.

Devices connect over websockets and present their key once, either in the
X-Device-Key header or the "key" query parameter. Every message is then checked
against the device registry before it is distributed on the event bus.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, source, err := loadServeConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		setupLogging(config)
		log := logger.New()

		log.Info().
			Str("config", source).
			Str("storage_driver", config.Storage.Driver).
			Str("storage_location", config.StorageLocation()).
			Str("gateway_address", config.Server.Gateway.Address).
			Str("api_address", config.Server.API.Address).
			Bool("tap_enabled", config.Tap.Enabled).
			Msg("Starting posgate daemon")

		store, err := storage.Open(config.Storage.Driver, config.StorageLocation())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		eventBus := bus.New(config.Bus.MaxSubscribersPerType, logger.GetLogger("bus"))

		reg := registry.New()
		loader := registry.NewLoader(reg, store, config.Registry.Document, eventBus, logger.GetLogger("registry"))
		if err := loader.Reload(); err != nil {
			// Not fatal: an empty registry refuses every device until the next reload
			log.Warn().Err(err).Msg("Starting with an empty device registry")
		}

		gw, err := gateway.NewServer(eventBus, config.ServerOptions(), logger.GetLogger("gateway"))
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}

		collector, err := metrics.New(gw.ConnectionCount)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		if err := collector.Attach(eventBus); err != nil {
			return err
		}
		defer collector.Detach()

		brk := broker.New(eventBus, reg, logger.GetLogger("broker"))
		if err := brk.Start(); err != nil {
			return fmt.Errorf("failed to start broker: %w", err)
		}
		defer brk.Stop()

		if err := gw.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}

		var diagnostics *tap.Tap
		if config.Tap.Enabled {
			diagnostics = tap.New(config.Tap.Address, logger.GetLogger("tap"))
			if err := diagnostics.Start(eventBus); err != nil {
				return fmt.Errorf("failed to start diagnostics tap: %w", err)
			}
		}

		jwtService := gateway.NewJWTService(
			config.Security.JWT.SecretKey,
			config.Security.JWT.Issuer,
			config.Security.JWT.ExpiryHours,
		)
		apiServer := gateway.NewAPIServer(gw, reg, loader, eventBus, jwtService, logger.GetLogger("api"))
		apiServer.SetTimeout(config.GetAPITimeout())
		if config.UsesDefaultSecret() {
			log.Warn().
				Str("setting", "security.jwt.secret_key").
				Msg("JWT secret is the built-in default; admin API is read-only until a secret is configured")
			apiServer.SetReadOnly(true)
		}
		apiServer.SetMetricsHandler(collector.Handler())
		apiServer.SetStatsProvider(func() interface{} {
			stats := map[string]interface{}{
				"broker": brk.Stats(),
				"bus":    eventBus.Stats(),
			}
			if diagnostics != nil {
				stats["tap"] = diagnostics.Stats()
			}
			return stats
		})

		errChan := make(chan error, 2)

		go func() {
			if err := gw.ListenAndServe(config.Server.Gateway.Address); err != nil {
				errChan <- fmt.Errorf("gateway error: %w", err)
			}
		}()

		go func() {
			if err := apiServer.Start(config.Server.API.Address); err != nil {
				errChan <- fmt.Errorf("API server error: %w", err)
			}
		}()

		// Handle graceful shutdown
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
		case runErr = <-errChan:
			log.Error().Err(runErr).Msg("Service error")
		}

		log.Info().Msg("Shutting down posgate services")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := apiServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}

		if err := gw.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Error stopping gateway")
		}

		if diagnostics != nil {
			if err := diagnostics.Stop(); err != nil {
				log.Error().Err(err).Msg("Error stopping diagnostics tap")
			}
		}

		log.Info().Msg("posgate daemon stopped")
		return runErr
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigDocument, "config-document", "", "load the configuration from this document in the store instead of --config")
	serveCmd.Flags().StringVar(&serveStoreDriver, "store-driver", storage.DriverFile, "store holding --config-document (file or sqlite)")
	serveCmd.Flags().StringVar(&serveStoreLocation, "store-location", ".", "store root directory or database path")
	serveCmd.Flags().StringVar(&serveGatewayAddr, "gateway-addr", "", "device listener address (overrides config)")
	serveCmd.Flags().StringVar(&serveAPIAddr, "api-addr", "", "admin API address (overrides config)")
	serveCmd.Flags().BoolVar(&serveDebugFlag, "debug", false, "enable debug logging")
}

// loadServeConfiguration loads the configuration and applies CLI flag overrides
func loadServeConfiguration() (*gateway.Config, string, error) {
	var config *gateway.Config
	var source string
	var err error

	if serveConfigDocument != "" {
		store, openErr := storage.Open(serveStoreDriver, serveStoreLocation)
		if openErr != nil {
			return nil, "", fmt.Errorf("failed to open config store: %w", openErr)
		}
		defer store.Close()

		config, err = gateway.LoadConfigFromStore(store, serveConfigDocument)
		source = fmt.Sprintf("%s:%s#%s", serveStoreDriver, serveStoreLocation, serveConfigDocument)
	} else {
		config, source, err = loadConfiguration()
	}
	if err != nil {
		return nil, "", err
	}

	if serveGatewayAddr != "" {
		config.Server.Gateway.Address = serveGatewayAddr
	}
	if serveAPIAddr != "" {
		config.Server.API.Address = serveAPIAddr
	}
	if serveDebugFlag {
		config.Logging.Level = logger.LOG_DEBUG
	}

	return config, source, nil
}

// setupLogging configures the logger based on configuration
func setupLogging(config *gateway.Config) {
	logger.SetSilentMode(false)
	logger.SetFormat(config.Logging.Format)
	logger.SetLevel(config.Logging.Level)
}
