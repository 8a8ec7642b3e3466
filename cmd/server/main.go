package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	gorillaHandlers "github.com/gorilla/handlers"
	"github.com/maneesh/vidstream/internal/auth"
	"github.com/maneesh/vidstream/internal/chunker"
	"github.com/maneesh/vidstream/internal/config"
	"github.com/maneesh/vidstream/internal/handlers"
	"github.com/maneesh/vidstream/internal/metadata"
	"github.com/maneesh/vidstream/internal/notify"
	"github.com/maneesh/vidstream/internal/pipeline"
	"github.com/maneesh/vidstream/internal/queue"
	"github.com/maneesh/vidstream/internal/sensitivity"
	"github.com/maneesh/vidstream/internal/storage"
	"github.com/maneesh/vidstream/internal/stream"
	"github.com/maneesh/vidstream/internal/tracing"
	"github.com/maneesh/vidstream/internal/videos"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	log.Println("Starting vidstream service...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, version, cfg.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	store, closeStore := openRecordStore(ctx, cfg)
	defer closeStore()

	blobs := openBlobStore(ctx, cfg)

	// Redis backs the record cache and the cross-process event relay
	var redisClient *storage.RedisClient
	if cfg.RedisCache || cfg.Notifier == "redis" {
		log.Println("Connecting to Redis...")
		redisClient, err = storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("Failed to initialize Redis client: %v", err)
		}
		defer redisClient.Close()
		log.Println("Redis client initialized")
	}

	var cache videos.Cache
	if cfg.RedisCache {
		cache = redisClient
	}
	svc := videos.NewService(store, blobs, cache)

	origins := splitOrigins(cfg.AllowedOrigins)
	hub := notify.NewHub(originChecker(origins))
	defer hub.Close()

	var notifier notify.Notifier = hub
	if cfg.Notifier == "redis" {
		relay := notify.NewRedisRelay(redisClient, hub)
		go relay.Run(ctx)
		notifier = relay
	}

	extractor := metadata.NewFFProbeExtractor(cfg.FFProbePath, cfg.StageTimeout, metadata.ExecRunner)
	orchestrator := pipeline.NewOrchestrator(svc, extractor, sensitivity.NewDefaultClassifier(), notifier, pipeline.Options{
		StageTimeout: cfg.StageTimeout,
		Blobs:        blobs,
		StagingDir:   cfg.StagingDir,
	})

	var dispatcher pipeline.Dispatcher
	var asyncDispatcher *pipeline.AsyncDispatcher
	var consumerDone chan struct{}
	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()
	keepStaged := false
	switch cfg.Dispatcher {
	case "amqp":
		log.Println("Connecting to RabbitMQ...")
		amqpDispatcher, err := queue.Dial(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			log.Fatalf("Failed to initialize job queue: %v", err)
		}
		defer amqpDispatcher.Close()
		consumerDone = make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := amqpDispatcher.Consume(consumeCtx, orchestrator, runtime.NumCPU()); err != nil && err != context.Canceled {
				log.Printf("Job consumer stopped: %v", err)
			}
		}()
		dispatcher = amqpDispatcher
	default:
		asyncDispatcher = pipeline.NewAsyncDispatcher(orchestrator)
		dispatcher = asyncDispatcher
		keepStaged = true
	}

	reconciler := pipeline.NewReconciler(svc, notifier, cfg.StaleAfter, cfg.ReconcileInterval, orchestrator.InFlight)
	go reconciler.Run(ctx)

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("Failed to initialize token verifier: %v", err)
	}

	chunks := chunker.NewChunker(cfg.GetStreamChunkBytes())

	router := handlers.NewRouter(handlers.Routes{
		Tokens:  tokens,
		Upload:  handlers.NewUploadHandler(svc, dispatcher, chunks, cfg.StagingDir, cfg.GetMaxUploadBytes(), keepStaged),
		Stream:  handlers.NewStreamHandler(stream.NewServer(svc, blobs), chunks),
		Videos:  handlers.NewVideoHandler(svc),
		Events:  handlers.NewEventsHandler(hub),
		Metrics: promhttp.Handler(),
	})

	cors := gorillaHandlers.CORS(
		gorillaHandlers.AllowedOrigins(origins),
		gorillaHandlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PATCH", "DELETE", "OPTIONS"}),
		gorillaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization", "Range"}),
		gorillaHandlers.ExposedHeaders([]string{"Content-Range", "Content-Length", "Accept-Ranges"}),
		gorillaHandlers.AllowCredentials(),
	)
	recovery := gorillaHandlers.RecoveryHandler(gorillaHandlers.PrintRecoveryStack(true))

	// Create HTTP server. No write timeout: streams and uploads can run long.
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           recovery(cors(router)),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// let running pipelines reach a terminal state
	if asyncDispatcher != nil {
		if err := asyncDispatcher.Close(shutdownCtx); err != nil {
			log.Printf("Pipelines still running at shutdown: %v", err)
		}
	}
	if consumerDone != nil {
		stopConsuming()
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
			log.Printf("Queued pipelines still running at shutdown: %v", shutdownCtx.Err())
		}
	}
	stop()

	log.Println("Server exited")
}

func openRecordStore(ctx context.Context, cfg *config.Config) (storage.VideoStore, func()) {
	if cfg.RecordStore == "memory" {
		log.Println("Using in-memory record store")
		return storage.NewMemoryStore(), func() {}
	}

	log.Printf("Connecting to %s...", cfg.RecordStore)
	sqlStore, err := storage.NewSQLStore(cfg.RecordStore, cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to initialize record store: %v", err)
	}
	if err := sqlStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}
	log.Println("Record store initialized")
	return sqlStore, func() { sqlStore.Close() }
}

func openBlobStore(ctx context.Context, cfg *config.Config) storage.BlobStore {
	switch cfg.BlobStore {
	case "minio":
		log.Println("Connecting to MinIO...")
		minioStore, err := storage.NewMinioStore(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			log.Fatalf("Failed to initialize MinIO client: %v", err)
		}
		log.Println("MinIO client initialized")
		return minioStore
	case "s3":
		log.Println("Connecting to S3...")
		s3Store, err := storage.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			log.Fatalf("Failed to initialize S3 client: %v", err)
		}
		log.Println("S3 client initialized")
		return s3Store
	default:
		localStore, err := storage.NewLocalStore(cfg.LocalDir)
		if err != nil {
			log.Fatalf("Failed to initialize local blob store: %v", err)
		}
		log.Printf("Storing videos under %s", cfg.LocalDir)
		return localStore
	}
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// originChecker admits websocket handshakes from the CORS origins. Requests
// without an Origin header are not from a browser and pass.
func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}
