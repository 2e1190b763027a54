package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mikey/warmup-engine/internal/adapters/httpapi"
	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/di"
	"github.com/mikey/warmup-engine/internal/driver"
	"github.com/mikey/warmup-engine/internal/ports"
	"go.uber.org/zap"
)

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()

	// Build the dependency injection container
	container, err := di.BuildContainer()
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	logger *zap.Logger,
	d *driver.Driver,
	server *httpapi.Server,
	st store.Backend,
	analyzer core.ReplyAnalyzer,
) error {
	defer logger.Sync()

	services := []namedService{
		{"http", server},
		{"driver", d},
	}

	started := 0
	for _, s := range services {
		if err := s.svc.Start(); err != nil {
			logger.Error("Failed to start service", zap.String("service", s.name), zap.Error(err))
			stopServices(logger, services[:started])
			st.Close()
			return err
		}
		started++
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("Shutting down...", zap.String("signal", sig.String()))

	stopServices(logger, services)

	// Close any resources that need closing
	if closer, ok := analyzer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close reply analyzer", zap.Error(err))
		}
	}
	if err := st.Close(); err != nil {
		logger.Error("Failed to close store", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

type namedService struct {
	name string
	svc  ports.Service
}

// stopServices stops services in reverse start order
func stopServices(logger *zap.Logger, services []namedService) {
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].svc.Stop(); err != nil {
			logger.Error("Failed to stop service", zap.String("service", services[i].name), zap.Error(err))
		}
	}
}
