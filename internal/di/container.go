package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/warmup-engine/internal/adapters/httpapi"
	"github.com/mikey/warmup-engine/internal/adapters/store"
	"github.com/mikey/warmup-engine/internal/config"
	"github.com/mikey/warmup-engine/internal/core"
	"github.com/mikey/warmup-engine/internal/driver"
	"github.com/mikey/warmup-engine/internal/factory"
	"github.com/mikey/warmup-engine/internal/logging"
	"github.com/mikey/warmup-engine/internal/utils"
)

// BuildContainer creates and configures a dependency injection container for the daemon
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := provideEngine(container); err != nil {
		return nil, err
	}

	// Register periodic driver
	if err := container.Provide(func(f *factory.EngineFactory, engine *core.Engine) (*driver.Driver, error) {
		return f.CreateDriver(engine)
	}); err != nil {
		return nil, err
	}

	// Register HTTP server
	if err := container.Provide(func(cfg *config.Config, engine *core.Engine, logger *zap.Logger) *httpapi.Server {
		return httpapi.NewServer(engine, cfg.GetString("http.listen_address"), logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// provideEngine registers the store, the adapters and the engine. The
// container must already provide *config.Config and *zap.Logger.
func provideEngine(container *dig.Container) error {
	// Register factories
	if err := container.Provide(factory.NewStoreFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewTransportFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewLLMFactory); err != nil {
		return err
	}
	if err := container.Provide(factory.NewEngineFactory); err != nil {
		return err
	}

	// Register text processor
	if err := container.Provide(utils.NewTextProcessor); err != nil {
		return err
	}

	// Register store
	if err := container.Provide(func(f *factory.StoreFactory) (store.Backend, error) {
		return f.CreateStore()
	}); err != nil {
		return err
	}

	// Register reply analyzer; nil when disabled
	if err := container.Provide(func(f *factory.LLMFactory) (core.ReplyAnalyzer, error) {
		return f.CreateReplyAnalyzer()
	}); err != nil {
		return err
	}

	// Register engine
	return container.Provide(func(
		ef *factory.EngineFactory,
		tf *factory.TransportFactory,
		st store.Backend,
		analyzer core.ReplyAnalyzer,
	) (*core.Engine, error) {
		return ef.CreateEngine(factory.EngineAdapters{
			Store:       st,
			Sender:      tf.CreateSender(),
			Mailbox:     tf.CreateMailbox(),
			Verifier:    tf.CreateVerifier(),
			Analyzer:    analyzer,
			Suppression: ef.CreateSuppression(),
		})
	})
}
