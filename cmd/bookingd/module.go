package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/clinicflow/bookingsaga/api"
	"github.com/clinicflow/bookingsaga/booking"
	amqpbroker "github.com/clinicflow/bookingsaga/broker/amqp"
	redisbroker "github.com/clinicflow/bookingsaga/broker/redis"
	"github.com/clinicflow/bookingsaga/circuitbreaker"
	"github.com/clinicflow/bookingsaga/client"
	"github.com/clinicflow/bookingsaga/config"
	"github.com/clinicflow/bookingsaga/log"
	"github.com/clinicflow/bookingsaga/mutex"
	"github.com/clinicflow/bookingsaga/outbox"
	"github.com/clinicflow/bookingsaga/outbox/sqlstore"
	"github.com/clinicflow/bookingsaga/saga"
	"github.com/clinicflow/bookingsaga/services"
	"github.com/clinicflow/bookingsaga/sqldb"
)

const (
	doctorServiceName  = "doctor-service"
	patientServiceName = "patient-service"
	billingServiceName = "billing-service"
)

// Module wires the whole process for cfg.
func Module(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newZap,
			newLogger,
			newDriver,
			newDB,
			sqldb.NewUnitOfWork,
			newOutboxStore,
			newJournal,
			newRepository,
			circuitbreaker.NewRegistry,
			newDoctorService,
			newPatientService,
			newBillingService,
			newRedis,
			newBroker,
			newPublisher,
			newOrchestrator,
			newBookingService,
			newRouter,
		),
		fx.WithLogger(func(z *zap.Logger) fxevent.Logger {
			// dry runs of fx.ValidateApp hand out zero values
			if z == nil {
				return fxevent.NopLogger
			}
			return &fxevent.ZapLogger{Logger: z}
		}),
		fx.Invoke(runPublisher, runServer),
	)
}

func newZap(cfg *config.Config, lc fx.Lifecycle) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Log.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	// level filtering happens in log.Logger
	zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)

	z, err := zapCfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building zap logger")
	}

	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		_ = z.Sync()
		return nil
	}})

	return z.With(zap.String("service", cfg.Service)), nil
}

func newLogger(cfg *config.Config, z *zap.Logger) log.Logger {
	var logger log.Logger
	switch cfg.Log.Backend {
	case config.LogLogrus:
		base := logrus.New()
		base.SetFormatter(&logrus.JSONFormatter{})
		logger = log.NewLogrusLogger(base).WithFields([]log.Field{{Name: "service", Val: cfg.Service}})
	case config.LogStd:
		logger = log.DefaultLogger(os.Stdout).WithFields([]log.Field{{Name: "service", Val: cfg.Service}})
	default:
		logger = log.NewZapLogger(z)
	}

	logger.SetLevel(log.ParseLevel(cfg.Log.Level))

	return logger
}

func newDriver(cfg *config.Config) (sqldb.Driver, error) {
	return sqldb.ParseDriver(cfg.Database.Driver)
}

func newDB(cfg *config.Config, driver sqldb.Driver, lc fx.Lifecycle) (*sql.DB, error) {
	db, err := sqldb.Open(context.Background(), driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return db.Close()
	}})

	return db, nil
}

func newOutboxStore(db *sql.DB, driver sqldb.Driver, logger log.Logger) (*sqlstore.Store, error) {
	return sqlstore.NewStore(db, driver, logger)
}

func newJournal(db *sql.DB, driver sqldb.Driver) (saga.Journal, error) {
	return saga.NewSQLJournal(db, driver)
}

func newRepository(db *sql.DB, driver sqldb.Driver) (booking.Repository, error) {
	return booking.NewSQLRepository(db, driver)
}

func newClient(name string, svc config.Service, registry *circuitbreaker.Registry, logger log.Logger) *client.ServiceClient {
	breaker := registry.GetOrCreate(name, svc.CircuitBreaker)

	return client.New(name, svc.BaseURL, svc.Timeout, breaker, logger, client.WithClientErrorsIgnored(svc.IgnoreClientErrors))
}

func newDoctorService(cfg *config.Config, registry *circuitbreaker.Registry, logger log.Logger) *services.DoctorService {
	return services.NewDoctorService(newClient(doctorServiceName, cfg.Services.Doctor, registry, logger))
}

func newPatientService(cfg *config.Config, registry *circuitbreaker.Registry, logger log.Logger) *services.PatientService {
	return services.NewPatientService(newClient(patientServiceName, cfg.Services.Patient, registry, logger))
}

func newBillingService(cfg *config.Config, registry *circuitbreaker.Registry, logger log.Logger) *services.BillingService {
	if !cfg.Saga.InvoiceEnabled {
		return nil
	}

	return services.NewBillingService(newClient(billingServiceName, cfg.Services.Billing, registry, logger))
}

// newRedis returns nil when neither the broker nor the publisher lock use redis.
func newRedis(cfg *config.Config, lc fx.Lifecycle) goredis.UniversalClient {
	if !cfg.UsesRedis() {
		return nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return rdb.Close()
	}})

	return rdb
}

func newBroker(cfg *config.Config, rdb goredis.UniversalClient, logger log.Logger) outbox.Broker {
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		return redisbroker.NewBroker(rdb, logger,
			redisbroker.WithStreamPrefix(cfg.Broker.Redis.StreamPrefix),
			redisbroker.WithMaxLen(cfg.Broker.Redis.MaxLen),
		)
	case config.BrokerLog, config.BrokerNone:
		return outbox.NewLogBroker(logger)
	default:
		return amqpbroker.NewBroker(cfg.Broker.AMQP.URL, logger, amqpbroker.WithExchangeKind(cfg.Broker.AMQP.ExchangeKind))
	}
}

func newPublisher(
	cfg *config.Config,
	store *sqlstore.Store,
	broker outbox.Broker,
	db *sql.DB,
	driver sqldb.Driver,
	rdb goredis.UniversalClient,
	logger log.Logger,
) *outbox.Publisher {
	opts := []outbox.Option{
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxRetries(cfg.Outbox.MaxRetries),
		outbox.WithServiceName(cfg.Service),
	}

	if cfg.Outbox.Lock.Enabled {
		var locker mutex.Mutex
		if cfg.Outbox.Lock.Backend == config.LockRedis {
			locker = mutex.NewRedisMutex(rdb, cfg.Outbox.Lock.Expiry, logger)
		} else {
			locker = mutex.NewSqlMutex(db, driver, logger)
		}
		opts = append(opts, outbox.WithLocker(locker, cfg.Outbox.Lock.Key))
	}

	return outbox.NewPublisher(store, broker, logger, opts...)
}

func newOrchestrator(
	cfg *config.Config,
	doctors *services.DoctorService,
	patients *services.PatientService,
	billing *services.BillingService,
	store *sqlstore.Store,
	journal saga.Journal,
	publisher *outbox.Publisher,
	logger log.Logger,
) (*saga.Orchestrator, error) {
	deps := saga.Dependencies{
		Doctors:  doctors,
		Patients: patients,
		Events:   store,
		Notifier: publisher,
		Journal:  journal,
		Logger:   logger,
	}
	// a typed nil would pass the required check
	if billing != nil {
		deps.Billing = billing
	}

	return saga.NewOrchestrator(deps, cfg.Saga)
}

func newBookingService(
	cfg *config.Config,
	orchestrator *saga.Orchestrator,
	uow *sqldb.UnitOfWork,
	repo booking.Repository,
	store *sqlstore.Store,
	publisher *outbox.Publisher,
	logger log.Logger,
) *booking.Service {
	return booking.NewService(orchestrator, uow, repo, store, logger,
		booking.WithNotifier(publisher),
		booking.WithTopic(cfg.Outbox.Topic),
	)
}

func newRouter(
	cfg *config.Config,
	bookings *booking.Service,
	orchestrator *saga.Orchestrator,
	registry *circuitbreaker.Registry,
	store *sqlstore.Store,
	publisher *outbox.Publisher,
	logger log.Logger,
) http.Handler {
	return api.NewRouter(logger, api.Handlers{
		Booking: api.NewBookingHandler(logger, bookings),
		Status:  api.NewStatusHandler(logger, cfg.Service, orchestrator, registry),
		Outbox:  api.NewOutboxHandler(logger, store, publisher),
	})
}

func runPublisher(lc fx.Lifecycle, cfg *config.Config, publisher *outbox.Publisher, logger log.Logger) {
	if cfg.Broker.Kind == config.BrokerNone {
		logger.Log(log.WarnLevel, "no broker configured, outbox events stay pending")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			publisher.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			defer cancel()
			return publisher.Shutdown(stopCtx)
		},
	})
}

func runServer(lc fx.Lifecycle, cfg *config.Config, handler http.Handler, logger log.Logger) {
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			listener, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return errors.Wrapf(err, "listening on %s", server.Addr)
			}

			go func() {
				logger.Logf(log.InfoLevel, "started booking api server on `%s`", server.Addr)
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Logf(log.ErrorLevel, "booking api server stopped: %s", err)
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
			defer cancel()

			return server.Shutdown(stopCtx)
		},
	})
}
