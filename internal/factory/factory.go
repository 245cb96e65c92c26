package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OmarB97/trynano-server/internal/bucketing"
	"github.com/OmarB97/trynano-server/internal/client"
	"github.com/OmarB97/trynano-server/internal/config"
	"github.com/OmarB97/trynano-server/internal/encryption"
	"github.com/OmarB97/trynano-server/internal/events"
	"github.com/OmarB97/trynano-server/internal/repository"
	chledger "github.com/OmarB97/trynano-server/internal/repository/clickhouse"
	"github.com/OmarB97/trynano-server/internal/repository/memory"
	redislock "github.com/OmarB97/trynano-server/internal/repository/redis"
	"github.com/OmarB97/trynano-server/internal/repository/scylla"
	"github.com/OmarB97/trynano-server/internal/service"
	"github.com/OmarB97/trynano-server/internal/tls"
	"github.com/OmarB97/trynano-server/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	solanaClient     *client.SolanaClient
	captchaClient    *client.CaptchaClient

	// Managers
	encryptionManager *encryption.Manager
	bucketingManager  *bucketing.Manager

	// Collaborators handed to the services
	store     repository.AccountStore
	locker    service.Locker
	publisher service.EventPublisher
	ledger    service.LedgerRecorder

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects every configured backend. In production a failed
// required backend is fatal; in development it is logged and replaced with
// an in-process stand-in so the server can still start.
func NewFactory(cfg *config.Config) (*Factory, error) {
	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		m, err := tls.NewManager(cfg.Server)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		f.tlsManager = m
	}

	if err := f.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.initializeRepositories()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_driver", cfg.Store.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("redis_lock", f.redisClient != nil),
		util.Bool("kafka_events", f.kafkaProducer != nil),
		util.Bool("clickhouse_ledger", f.clickhouseClient != nil),
	)

	return f, nil
}

// initializeManagers sets up key encryption and wallet bucketing.
func (f *Factory) initializeManagers() error {
	var kmsAPI encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS.Region)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		kmsAPI = kmsClient
	}

	em, err := encryption.NewManager(f.config.KMS, kmsAPI)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	f.encryptionManager = em
	f.bucketingManager = bucketing.NewManager(f.config.Bucketing)
	return nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	f.solanaClient = client.NewSolanaClient(f.config.Solana)
	f.captchaClient = client.NewCaptchaClient(f.config.Captcha)
	if f.config.Solana.RPCEndpoint != "" {
		if err := f.solanaClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("solana health check: %w", err))
		} else {
			util.Info("Solana RPC reachable")
		}
	}

	// ScyllaDB
	if f.config.Store.Driver == config.StoreDriverScylla {
		if c, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// Redis
	if f.config.Redis.URL != "" {
		if c, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	} else {
		util.Warn("REDIS_URL not set - request locks are local to this process")
	}

	// Kafka
	if len(f.config.Kafka.Brokers) > 0 {
		if p, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without events", util.ErrorField(err))
		} else {
			f.kafkaProducer = p
		}
	}

	// ClickHouse
	if f.config.Clickhouse.URL != "" {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			util.Warn("ClickHouse initialization failed - proceeding without ledger", util.ErrorField(err))
		} else {
			f.clickhouseClient = c
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeRepositories() {
	if f.scyllaClient != nil {
		f.store = scylla.NewAccountRepository(f.scyllaClient, f.encryptionManager, f.bucketingManager)
	} else {
		if f.config.Store.Driver == config.StoreDriverScylla {
			util.Warn("ScyllaDB unavailable - using in-memory store")
		}
		f.store = memory.NewStore()
	}

	if f.redisClient != nil {
		f.locker = redislock.NewLockCache(f.redisClient)
	} else {
		f.locker = memory.NewLocker()
	}

	if f.kafkaProducer != nil {
		f.publisher = events.NewKafkaPublisher(f.kafkaProducer)
	} else {
		f.publisher = events.Noop{}
	}

	if f.clickhouseClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ledger, err := chledger.NewLedger(ctx, f.clickhouseClient)
		if err != nil {
			util.Warn("ClickHouse ledger unavailable", util.ErrorField(err))
		} else {
			f.ledger = ledger
		}
	}
}

// ServiceFactory builds the services over the initialized collaborators.
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.store,
			f.solanaClient,
			f.locker,
			f.publisher,
			f.ledger,
		)
	}
	return f.serviceFactory
}

// HealthCheck returns the failing dependencies by name. Optional backends
// that were never configured are not reported.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.store != nil {
		if err := f.store.HealthCheck(ctx); err != nil {
			healthErrors["store"] = err
		}
	} else {
		healthErrors["store"] = fmt.Errorf("store not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.solanaClient != nil && f.config.Solana.RPCEndpoint != "" {
		if err := f.solanaClient.HealthCheck(ctx); err != nil {
			healthErrors["solana"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.store != nil {
			f.store.Close()
			util.Info("Account store closed")
		} else if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// TLSManager is nil when TLS is disabled.
func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) CaptchaClient() *client.CaptchaClient {
	return f.captchaClient
}
