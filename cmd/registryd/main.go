// registryd runs the party registry import pipeline: the change-feed enqueue
// job, the command consumer driving the import sagas, the outbox dispatcher,
// and the operator HTTP endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/sync/errgroup"

	"partyregistry/admin"
	"partyregistry/changefeed"
	"partyregistry/db"
	"partyregistry/importjob"
	"partyregistry/legacy"
	"partyregistry/messaging"
	"partyregistry/migrations"
	"partyregistry/party"
	"partyregistry/partyimport"
	"partyregistry/roles"
	"partyregistry/saga"
	"partyregistry/scheduler"
	"partyregistry/tracking"
)

type config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`

	LegacyBaseURL  string `env:"LEGACY_BASE_URL,required"`
	LegacyClientID string `env:"LEGACY_CLIENT_ID,required"`
	LegacySecret   string `env:"LEGACY_CLIENT_SECRET,required"`

	JWTSecret string `env:"ADMIN_JWT_SECRET,required"`

	ImportInterval      time.Duration `env:"IMPORT_INTERVAL" envDefault:"1m"`
	ImportEnabled       bool          `env:"IMPORT_ENABLED" envDefault:"true"`
	ImportGuardianships bool          `env:"IMPORT_GUARDIANSHIPS" envDefault:"false"`
	SagaRetention       time.Duration `env:"SAGA_RETENTION" envDefault:"24h"`
	ConsumerWorkers     int           `env:"CONSUMER_WORKERS" envDefault:"4"`
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("registryd exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	sched := scheduler.New(scheduler.NewLeaseStore(pool), log)

	// Migrations run as a lifecycle job so a broken schema stops the host
	// before it serves anything.
	err = sched.Register(scheduler.Job{
		Name:      "migrate",
		Lifecycle: []scheduler.LifecyclePoint{scheduler.PointStarting},
		Run: func(ctx context.Context) error {
			return db.Migrate(ctx, pool, migrations.FS)
		},
	})
	if err != nil {
		return err
	}

	queue := messaging.NewQueue()
	outbox := messaging.NewOutbox()
	trackerRepo := tracking.NewRepository(pool)

	// Events leave the process through the log until a broker is attached.
	sink := messaging.SinkFunc(func(ctx context.Context, topic string, payload []byte) error {
		log.Info("event published", "topic", topic, "payload", string(payload))
		return nil
	})

	tokens := legacy.NewTokenSource(cfg.LegacyClientID, cfg.LegacySecret, 5*time.Minute)
	client := legacy.NewClient(cfg.LegacyBaseURL, tokens)

	runner := saga.NewRunner(pool, sink, log)
	importer := partyimport.NewImporter(partyimport.Config{
		Runner:  runner,
		Pool:    pool,
		Queue:   queue,
		Outbox:  outbox,
		Parties: party.NewRepository(),
		Roles:   roles.NewRepository(),
		Source:  client,
		Tracker: trackerRepo,
		Flags:   partyimport.Flags{ImportGuardianships: cfg.ImportGuardianships},
		Log:     log,
	})

	consumer := messaging.NewConsumer(pool, log).WithWorkers(cfg.ConsumerWorkers)
	importer.Register(consumer)

	var feed changefeed.Source = client
	cleaner := tracking.NewCleaner(pool, cfg.SagaRetention, log)
	enqueuer := importjob.NewEnqueuer(pool, feed, queue, trackerRepo, cleaner, log)

	err = sched.Register(scheduler.Job{
		Name:      importjob.JobName,
		Interval:  cfg.ImportInterval,
		LeaseName: importjob.JobName,
		Enabled:   func(ctx context.Context) (bool, error) { return cfg.ImportEnabled, nil },
		Run:       enqueuer.Run,
	})
	if err != nil {
		return err
	}

	adminService := admin.NewService(admin.NewRepository(pool), cfg.JWTSecret)
	adminHandler := admin.NewHandler(adminService, pool, queue, trackerRepo, log)

	mux := http.NewServeMux()
	adminHandler.Mount(mux)
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	if err := sched.RunLifecycle(ctx, scheduler.PointStarting); err != nil {
		return err
	}
	if err := sched.RunLifecycle(ctx, scheduler.PointStarted); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return messaging.NewDispatcher(pool, sink, log).Run(ctx) })
	g.Go(func() error {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if lifecycleErr := sched.RunLifecycle(stopCtx, scheduler.PointStopping); lifecycleErr != nil {
		log.Error("stopping lifecycle failed", "error", lifecycleErr)
	}
	return err
}
