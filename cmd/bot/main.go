// Package main runs the weekly trivia bot: Telegram loop, deadline worker, weekly schedule
// and the health HTTP server, with graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-trivia/bot/config"
	"github.com/aura-trivia/bot/internal/broadcast"
	"github.com/aura-trivia/bot/internal/commands"
	"github.com/aura-trivia/bot/internal/health"
	"github.com/aura-trivia/bot/internal/questions"
	"github.com/aura-trivia/bot/internal/quiz"
	"github.com/aura-trivia/bot/internal/rounds"
	"github.com/aura-trivia/bot/internal/schedule"
	"github.com/aura-trivia/bot/internal/sessions"
	"github.com/aura-trivia/bot/internal/telegram"
	"github.com/aura-trivia/bot/internal/worker"
	"github.com/aura-trivia/bot/pkg/queue"
	"github.com/aura-trivia/bot/pkg/redis"
	"github.com/aura-trivia/bot/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	// Cancelled by SIGINT/SIGTERM or /stopbot.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, redis.Options{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var fetcher questions.Fetcher
	if storage.IsURI(cfg.Quiz.QuestionsSource) {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		fetcher = s3Client
	}
	pool, err := questions.Load(ctx, cfg.Quiz.QuestionsSource, fetcher, logger)
	if err != nil {
		logger.Fatal("load questions", zap.Error(err))
	}
	if pool.Len() < cfg.Quiz.TotalQuestions {
		logger.Fatal("question pool smaller than a round",
			zap.Int("pool_size", pool.Len()), zap.Int("round_length", cfg.Quiz.TotalQuestions))
	}

	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.Debug, logger)
	if err != nil {
		logger.Fatal("telegram", zap.Error(err))
	}

	ledger := rounds.NewLedger(rdb.Client, nil, cfg.Quiz.RoundDuration, logger)
	store := sessions.NewStore(rdb.Client, cfg.Quiz.TotalQuestions, logger)
	deadlines := queue.NewQueue(rdb.Client, logger)
	engine := quiz.NewEngine(store, ledger, pool, bot, deadlines, quiz.Config{
		QuestionTimeout: cfg.Quiz.QuestionTimeout,
		AnswerGrace:     cfg.Quiz.AnswerGrace,
	}, logger)
	broadcaster := broadcast.NewBroadcaster(store, bot, broadcast.Config{
		GroupChatID: cfg.Telegram.GroupChatID,
		BotURL:      bot.URL(),
		Workers:     cfg.Broadcast.Workers,
	}, logger)
	commandSvc := commands.NewService(commands.Config{
		AdminID:     cfg.Telegram.AdminID,
		PoolSize:    pool.Len(),
		RoundLength: cfg.Quiz.TotalQuestions,
		BotURL:      bot.URL(),
	}, store, ledger, engine, broadcaster, bot, stop, logger)

	var weekly *schedule.Weekly
	if cfg.Quiz.Schedule != "" {
		weekly, err = schedule.NewWeekly(cfg.Quiz.Schedule, cfg.Quiz.Timezone, commandSvc, logger)
		if err != nil {
			logger.Fatal("schedule", zap.Error(err))
		}
		weekly.Start()
		logger.Info("next scheduled round", zap.Time("at", weekly.Next(time.Now())))
	}

	// Background worker (question deadlines)
	processor := worker.NewDeadlineProcessor(deadlines, engine, cfg.Worker.PollInterval, logger)
	workerDone := make(chan struct{})
	go func() {
		processor.Run(ctx)
		close(workerDone)
	}()
	logger.Info("deadline worker started")

	gin.SetMode(gin.ReleaseMode)
	healthHandler := health.NewHandler(rdb, ledger, deadlines, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      health.NewRouter(healthHandler, logger),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", zap.Error(err))
			stop()
		}
	}()

	logger.Info("bot started", zap.Int("pool_size", pool.Len()), zap.Int64("group_chat_id", cfg.Telegram.GroupChatID))
	bot.Run(ctx, commandSvc)

	if weekly != nil {
		weekly.Stop()
	}
	<-workerDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("bot stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
