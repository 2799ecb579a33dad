// Package server initializes and runs the main application server.
// It wires the database, the key service, object storage, the result cache
// and the analysis engine, and handles graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/docvault/internal/analysis"
	"github.com/dmitrijs2005/docvault/internal/blobstore"
	"github.com/dmitrijs2005/docvault/internal/clockx"
	"github.com/dmitrijs2005/docvault/internal/cryptox"
	"github.com/dmitrijs2005/docvault/internal/keysvc"
	"github.com/dmitrijs2005/docvault/internal/logging"
	"github.com/dmitrijs2005/docvault/internal/resultcache"
	"github.com/dmitrijs2005/docvault/internal/server/config"
	"github.com/dmitrijs2005/docvault/internal/server/db"
	"github.com/dmitrijs2005/docvault/internal/server/documents"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	manager   *db.Manager
	redis     *redis.Client
	documents *documents.Service
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {

	logger := logging.NewJSONLogger(os.Stdout, slog.LevelInfo)

	manager, err := db.NewManager(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3RootUser,
			cfg.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config error: %w", err)
	}

	kmsClient := kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if cfg.KMSBaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.KMSBaseEndpoint)
		}
	})
	keys := keysvc.NewClient(kmsClient, keysvc.Options{
		KeyID:                 cfg.KMSKeyID,
		MaxConcurrentGenerate: cfg.KeyServiceMaxConcurrent,
		MaxConcurrentEncrypt:  cfg.KeyServiceMaxConcurrent,
		MaxConcurrentDecrypt:  cfg.KeyServiceMaxConcurrent,
	})
	crypt := cryptox.NewEngine(keys)

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
		o.UsePathStyle = true
	})

	storeOpts := blobstore.Options{
		Bucket:           cfg.S3Bucket,
		OperationTimeout: cfg.OperationTimeout,
		RetryBase:        cfg.RetryBase,
		RetryCap:         cfg.RetryCap,
		MaxRetries:       cfg.MaxRetries,
	}
	if cfg.S3ReplicaBucket != "" {
		storeOpts.Replica = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3ReplicaBaseEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.S3ReplicaBaseEndpoint)
			}
			o.UsePathStyle = true
		})
		storeOpts.ReplicaBucket = cfg.S3ReplicaBucket
	}

	breaker := blobstore.NewBreaker("s3", cfg.BreakerFailures, cfg.BreakerCooldown)
	store := blobstore.NewClient(s3Client, crypt, breaker, storeOpts, logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	cache := resultcache.New(rdb, resultcache.Options{
		OperationTimeout:     cfg.CacheOperationTimeout,
		CompressionThreshold: cfg.CompressionThreshold,
	})

	textractClient := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.TextractBaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.TextractBaseEndpoint)
		}
	})
	orchestrator := analysis.NewOrchestrator(textractClient, cache, clockx.NewSystem(), analysis.Config{
		Bucket:      cfg.S3Bucket,
		PollInitial: cfg.PollInitial,
		PollCap:     cfg.PollCap,
		CacheTTL:    cfg.CacheTTL,
		RetryBase:   cfg.RetryBase,
		MaxRetries:  cfg.MaxRetries,
		Defaults: analysis.Options{
			MinConfidence:    cfg.MinConfidence,
			ProcessingBudget: cfg.ProcessingBudget,
			Deadline:         cfg.AnalysisDeadline,
		},
	}, logger)

	svc := documents.NewService(manager.Documents(), store, crypt, orchestrator, logger)

	return &App{
		config:    cfg,
		logger:    logger,
		manager:   manager,
		redis:     rdb,
		documents: svc,
	}, nil
}

// Documents exposes the application facade to the hosting process.
func (app *App) Documents() *documents.Service {
	return app.documents
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run blocks until the context is cancelled or a termination signal arrives,
// then releases the backends.
func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	<-ctx.Done()

	app.logger.Info(ctx, "Shutting down...")

	if err := app.redis.Close(); err != nil {
		app.logger.Error(ctx, "redis close error", "error", err)
	}
	if err := app.manager.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
