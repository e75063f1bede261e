package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"viralink-backend/internal/adapters/api"
	"viralink-backend/internal/adapters/mtproto"
	"viralink-backend/internal/adapters/repo"
	"viralink-backend/internal/adapters/telegram"
	"viralink-backend/internal/infra/cache"
	"viralink-backend/internal/infra/config"
	"viralink-backend/internal/infra/db"
	infrahttp "viralink-backend/internal/infra/http"
	"viralink-backend/internal/infra/log"
	"viralink-backend/internal/infra/metrics"
	"viralink-backend/internal/infra/openai"
	"viralink-backend/internal/infra/queue"
	"viralink-backend/internal/usecase/agents"
	"viralink-backend/internal/usecase/credits"
	"viralink-backend/internal/usecase/jobs"
	"viralink-backend/internal/usecase/publish"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv).With().Str("service", "api").Logger()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось подключиться к postgres")
	}
	defer pool.Close()

	cipher, err := repo.NewTokenCipher(cfg.SecretKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать шифрование токенов")
	}
	store := repo.NewPostgres(pool, cipher)

	jobQueue, err := queue.New(cfg.Queues.Backend, cfg.RabbitURL, cfg.RedisAddr, cfg.Queues.AgentJobs)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать очередь задач")
	}
	defer jobQueue.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	resolver := mtproto.NewResolver(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.Telegram.Token, logger)
	botFactory := telegram.NewFactory()
	platformClient, err := botFactory.Client(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать клиент платформенного бота")
	}
	llm := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)

	agentsUC := agents.NewService(store.Agents(), store.UserBots(), resolver, botFactory, cache.NewRedis(redisClient), logger)
	jobsUC := jobs.NewService(store.Jobs(), store.Agents(), jobQueue, cfg.Jobs.StaleAfter, logger)
	creditsUC := credits.NewService(store.Credits(), logger)
	publishUC := publish.NewService(store.Jobs(), store.Agents(), store.UserBots(), botFactory, platformClient, llm, cfg.OpenAI.Model, logger)

	server := infrahttp.NewServer(logger)
	handlers := api.NewHandlers(logger, agentsUC, jobsUC, creditsUC, publishUC)
	handlers.Mount(server.Router, cfg.Telegram.Token)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ошибка при остановке сервера")
	}
	logger.Info().Msg("api остановлен")
}
