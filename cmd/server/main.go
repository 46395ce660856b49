package main

import (
	"context"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"forecastloop/internal/agentctx"
	"forecastloop/internal/analyst"
	"forecastloop/internal/cache"
	"forecastloop/internal/config"
	"forecastloop/internal/db"
	"forecastloop/internal/ensemble"
	"forecastloop/internal/handler"
	"forecastloop/internal/job"
	"forecastloop/internal/learning"
	"forecastloop/internal/llm"
	"forecastloop/internal/logger"
	"forecastloop/internal/metrics"
	"forecastloop/internal/outcome"
	"forecastloop/internal/postmortem"
	"forecastloop/internal/predictor"
	"forecastloop/internal/repository"
	"forecastloop/internal/review"
	"forecastloop/internal/runner"
	"forecastloop/internal/triage"
	"forecastloop/pkg/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	_ "forecastloop/docs"
)

var (
	loadEnvFunc      = godotenv.Load
	loadConfigFunc   = config.Load
	newLoggerFunc    = logger.New
	initPostgresFunc = db.InitPostgres
	initRedisFunc    = cache.InitRedis
	initTracerFunc   = tracing.InitTracer
	newMetricsFunc   = metrics.New
	newLLMClientFunc = func(tracer trace.Tracer, cfg *config.Config, zl *zap.Logger) llm.Client {
		if cfg.OpenAIAPIKey == "" {
			zl.Warn("OPENAI_API_KEY not set, LLM calls will fail and fall back")
		}
		timeout := time.Duration(cfg.LLMTimeoutSecs) * time.Second
		return llm.NewBreakerClient("openai", llm.NewOpenAIClient(tracer, cfg.OpenAIAPIKey, cfg.OpenAIModel, timeout), zl)
	}
	startExpiryFunc        = func(j *job.PredictorExpiry, ctx context.Context) { go j.Start(ctx) }
	startRunnerPollerFunc  = func(p *job.RunnerPoller, ctx context.Context) { go p.Start(ctx) }
	startRollupFunc        = func(j *job.AnalystRollup, ctx context.Context, zl *zap.Logger) { go runRollup(j, ctx, zl) }
	newHandlerFunc         = handler.New
	newRouterFunc          = gin.Default
	setupSignalNotify      = ossignal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// app is the wired service graph behind the HTTP surface and the background jobs.
type app struct {
	services handler.Services
	expiry   *job.PredictorExpiry
	poller   *job.RunnerPoller
	rollup   *job.AnalystRollup
}

// @title           Forecastloop API
// @version         1.0
// @description     Signal triage, outcome review and agent learning loop.

// @host      localhost:8080
// @BasePath  /
func main() {
	_ = loadEnvFunc()

	cfg := loadConfigFunc()

	zl, err := newLoggerFunc(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := initPostgresFunc(ctx, cfg.DatabaseURL, zl); err != nil {
		zl.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if err := initRedisFunc(ctx, cfg.RedisURL, zl); err != nil {
		zl.Warn("redis unavailable, dissent buffer kept in memory", zap.Error(err))
	}

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		zl.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			zl.Error("error shutting down tracer provider", zap.Error(err))
		}
	}()

	reg := newMetricsFunc()

	var services handler.Services
	if db.Pool != nil {
		a, err := buildApp(ctx, cfg, db.Pool, cache.Client, tracer, reg, zl)
		if err != nil {
			zl.Fatal("failed to wire services", zap.Error(err))
		}
		services = a.services
		startExpiryFunc(a.expiry, ctx)
		startRunnerPollerFunc(a.poller, ctx)
		startRollupFunc(a.rollup, ctx, zl)
	} else {
		zl.Warn("running without persistence, API routes will answer 503")
	}

	h := newHandlerFunc(tracer, services)

	r := newRouterFunc()
	r.Use(otelgin.Middleware(tracing.ServiceName))
	r.Use(cors.New(corsConfig(cfg.CORSAllowedOrigins)))

	h.RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(reg.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    httpAddr(cfg.Port),
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			zl.Fatal("listen", zap.Error(err))
		}
	}()
	zl.Info("http server started", zap.String("addr", srv.Addr))

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	zl.Info("shutting down server")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		zl.Error("server forced to shutdown", zap.Error(err))
	}
	db.Close()
	cache.Close()

	zl.Info("server exiting")
}

// buildApp wires repositories, services and jobs over one pool. A nil redis client keeps the
// dissent buffer in process memory.
func buildApp(
	ctx context.Context,
	cfg *config.Config,
	pool repository.PgxPool,
	redisClient *redis.Client,
	tracer trace.Tracer,
	reg *metrics.Registry,
	zl *zap.Logger,
) (*app, error) {
	agentRepo := repository.NewAgentRepository(pool, tracer)
	signalRepo := repository.NewSignalRepository(pool, tracer)
	predictorRepo := repository.NewPredictorRepository(pool, tracer)
	recommendationRepo := repository.NewRecommendationRepository(pool, tracer)
	outcomeRepo := repository.NewOutcomeRepository(pool, tracer)
	postmortemRepo := repository.NewPostmortemRepository(pool, tracer)
	conversationRepo := repository.NewConversationRepository(pool, tracer)
	learningRepo := repository.NewLearningRepository(pool, tracer)
	analystRepo := repository.NewAnalystRepository(pool, tracer)

	migrations := []interface {
		RunMigrations(ctx context.Context) error
	}{
		agentRepo, signalRepo, predictorRepo, recommendationRepo, outcomeRepo,
		postmortemRepo, conversationRepo, learningRepo, analystRepo,
	}
	for _, m := range migrations {
		if err := m.RunMigrations(ctx); err != nil {
			return nil, err
		}
	}

	client := newLLMClientFunc(tracer, cfg, zl.Named("llm"))

	analysts, err := ensemble.ParseAnalysts(cfg.EnsembleAnalysts)
	if err != nil {
		return nil, err
	}
	ens := ensemble.NewLLMEnsemble(tracer, client, analysts, zl.Named("ensemble"))

	lifecycle := predictor.NewLifecycle(tracer, predictorRepo, zl.Named("predictor"))
	ttl := time.Duration(cfg.PredictorTTLHours) * time.Hour
	triager := triage.NewService(tracer, ens, signalRepo, lifecycle, ttl, zl.Named("triage")).WithMetrics(reg)

	outcomes := outcome.NewService(tracer, outcome.NewEvaluator(), outcomeRepo, zl.Named("outcome")).WithMetrics(reg)
	pmTimeout := time.Duration(cfg.PostmortemLLMTimeoutSecs) * time.Second
	analyzer := postmortem.NewAnalyzer(tracer, client, postmortemRepo, pmTimeout, zl.Named("postmortem")).WithMetrics(reg)
	reviews := review.NewService(tracer, recommendationRepo, lifecycle, outcomes, analyzer, zl.Named("review"))

	mutator := agentctx.NewMutator(tracer, agentRepo, zl.Named("agentctx"),
		agentctx.PostmortemSource(postmortemRepo),
		agentctx.MissedOpportunitySource(learningRepo),
		agentctx.InsightSource(learningRepo),
	).WithMetrics(reg)

	builder := learning.NewRepositoryContextBuilder(tracer, agentRepo, postmortemRepo, outcomeRepo)
	conversations := learning.NewService(tracer, conversationRepo, learningRepo, builder, client, mutator,
		cfg.ConversationMaxHistory, zl.Named("learning"))

	var buffer analyst.DissentBuffer = analyst.NewMemoryDissentBuffer()
	if redisClient != nil {
		buffer = analyst.NewRedisDissentBuffer(redisClient)
	}
	tracker := analyst.NewTracker(tracer, buffer, analystRepo, analystRepo, zl.Named("analyst"))

	runners := runner.NewRegistry()
	pipeline := runner.NewPipelineRunner(tracer, lifecycle, signalRepo, triager, zl.Named("runner"))
	if err := runners.Register(runner.TypePipeline, pipeline); err != nil {
		return nil, err
	}

	return &app{
		services: handler.Services{
			Agents:        agentRepo,
			Signals:       signalRepo,
			Contexts:      mutator,
			Conversations: conversations,
			Reviews:       reviews,
			Analysts:      tracker,
			Positions:     analystRepo,
			Missed:        learningRepo,
		},
		expiry: job.NewPredictorExpiry(tracer, lifecycle, cfg.PredictorExpiryPollSecs, zl.Named("expiry")),
		poller: job.NewRunnerPoller(tracer, agentRepo, runner.NewFactory(runners), cfg.RunnerPollSecs, zl.Named("poller")).
			WithMetrics(reg),
		rollup: job.NewAnalystRollup(tracer, tracker, cfg.AnalystRollupCron, zl.Named("rollup")),
	}, nil
}

func runRollup(j *job.AnalystRollup, ctx context.Context, zl *zap.Logger) {
	if err := j.Start(ctx); err != nil {
		zl.Error("analyst rollup not scheduled", zap.Error(err))
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

func httpAddr(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return ":8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}
