package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"viralink-backend/internal/adapters/bot"
	"viralink-backend/internal/adapters/mtproto"
	"viralink-backend/internal/adapters/repo"
	"viralink-backend/internal/adapters/telegram"
	"viralink-backend/internal/infra/cache"
	"viralink-backend/internal/infra/config"
	"viralink-backend/internal/infra/db"
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
	logger := log.NewLogger(cfg.AppEnv).With().Str("service", "bot-gateway").Logger()

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

	platformBot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать платформенного бота")
	}
	logger.Info().Str("username", platformBot.Self.UserName).Msg("бот авторизован")

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

	handler := bot.NewHandler(platformBot, logger, store.TGUsers(), agentsUC, jobsUC, creditsUC, publishUC)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.Port))

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = 30
	updates := platformBot.GetUpdatesChan(updateCfg)

	logger.Info().Msg("bot-gateway запущен")
	for {
		select {
		case <-ctx.Done():
			platformBot.StopReceivingUpdates()
			logger.Info().Msg("bot-gateway остановлен")
			return
		case upd := <-updates:
			handler.HandleUpdate(ctx, upd)
		}
	}
}
