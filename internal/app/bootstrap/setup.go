package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentfactory/internal/audit"
	"agentfactory/internal/blacklist"
	"agentfactory/internal/config"
	"agentfactory/internal/database"
	"agentfactory/internal/gate"
	"agentfactory/internal/geolite"
	"agentfactory/internal/jobs/executor"
	"agentfactory/internal/jobs/queue"
	jobruntime "agentfactory/internal/jobs/runtime"
	"agentfactory/internal/support"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

// ShutdownTimeout is how long Close waits for running jobs by default.
const ShutdownTimeout = 30 * time.Second

// Services is everything the HTTP layer needs, plus the background routines
// started alongside it.
type Services struct {
	Redis     *redis.Client
	Recorder  *audit.Recorder
	Blacklist *blacklist.Store
	Gate      *gate.Gate
	Queue     *queue.Queue

	publisher       *blacklist.RabbitMQPublisher
	cancelRoutines  context.CancelFunc
	cancelHeartbeat context.CancelFunc
}

// Setup loads settings, opens storage and starts the background routines.
// Redis, RabbitMQ and S3 are optional; their absence degrades to single
// instance behaviour.
func Setup(ctx context.Context) (*Services, error) {
	config.ReadSettings()

	if _, err := database.SetupDB(); err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}
	config.SetBetweenTime()

	svc := &Services{}

	redisClient, err := support.GetRedisClient()
	if err != nil {
		log.Warn("Redis unavailable, running without cross-instance coordination", "error", err)
	} else {
		svc.Redis = redisClient
		config.EnableRedisSynchronization(ctx, redisClient)
	}

	svc.Recorder = audit.NewRecorder(svc.Redis)

	storeOpts := []blacklist.Option{blacklist.WithAuditor(svc.Recorder)}
	if url := support.GetEnv("RABBITMQ_URL", ""); url != "" {
		publisher, err := blacklist.NewRabbitMQPublisher(url, support.GetEnv("RABBITMQ_BLOCK_EXCHANGE", blacklist.DefaultBlockExchange))
		if err != nil {
			log.Error("Block event publishing disabled", "error", err)
		} else {
			svc.publisher = publisher
			storeOpts = append(storeOpts, blacklist.WithPublisher(publisher))
		}
	}
	svc.Blacklist = blacklist.NewStore(blacklist.DatabasePersistence{}, storeOpts...)

	var failures gate.FailureCounter = gate.NewMemoryFailureCounter()
	if svc.Redis != nil {
		failures = gate.NewRedisFailureCounter(svc.Redis)
	}
	svc.Gate = gate.New(svc.Blacklist,
		gate.WithAuditor(svc.Recorder),
		gate.WithCountryLookup(geolite.Lookup{}),
		gate.WithFailureCounter(failures),
		gate.WithProductionMode(config.InProductionMode),
	)

	exec, err := newExecutor(ctx, svc)
	if err != nil {
		return nil, err
	}

	svc.Queue = queue.New(queue.DatabasePersistence{}, exec,
		queue.WithNotifier(svc.Recorder),
		queue.WithAuditor(svc.Recorder),
	)
	if n, err := svc.Queue.Recover(ctx); err != nil {
		log.Error("Recovering unfinished jobs failed", "error", err)
	} else if n > 0 {
		log.Infof("Recovered %d unfinished jobs", n)
	}

	routineCtx, cancel := context.WithCancel(ctx)
	svc.cancelRoutines = cancel

	svc.Queue.Start(routineCtx)
	go svc.Blacklist.StartCleanupRoutine(routineCtx, svc.Redis)
	go jobruntime.StartGeoLiteUpdateRoutine(routineCtx, svc.Redis, support.GetEnv("MAXMIND_LICENSE_KEY", ""))
	svc.cancelHeartbeat = jobruntime.LaunchInstanceHeartbeat(routineCtx, svc.Redis, func() any {
		return svc.Queue.Status()
	})

	return svc, nil
}

func newExecutor(ctx context.Context, svc *Services) (*executor.Executor, error) {
	opts := []executor.Option{
		executor.WithBlacklist(svc.Blacklist),
		executor.WithAuditStore(svc.Recorder),
	}

	if url := support.GetEnv("AGENT_RUNNER_URL", ""); url != "" {
		opts = append(opts, executor.WithAgentRunner(executor.NewHTTPAgentRunner(url, support.GetEnv("AGENT_RUNNER_TOKEN", ""))))
	} else {
		log.Warn("AGENT_RUNNER_URL not set, agent jobs will fail")
	}

	if bucket := support.GetEnv("BACKUP_S3_BUCKET", ""); bucket != "" {
		sink, err := executor.NewS3BackupSink(ctx, bucket, support.GetEnv("BACKUP_S3_REGION", ""), support.GetEnv("BACKUP_S3_PREFIX", "agentfactory"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithBackupSink(sink))
	} else {
		opts = append(opts, executor.WithBackupSink(executor.LocalBackupSink{Dir: support.GetEnv("BACKUP_DIR", "data/backups")}))
	}

	return executor.New(opts...), nil
}

// Close drains the queue and releases connections. Running jobs get until
// ctx is done before they are cancelled.
func (s *Services) Close(ctx context.Context) error {
	var errs []error

	if s.Queue != nil {
		if err := s.Queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close job queue: %w", err))
		}
	}
	if s.cancelHeartbeat != nil {
		s.cancelHeartbeat()
	}
	if s.cancelRoutines != nil {
		s.cancelRoutines()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rabbitmq publisher: %w", err))
		}
	}

	config.DisableRedisSynchronization()
	geolite.Close()
	if err := support.CloseRedisClient(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}

	return errors.Join(errs...)
}
