package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"viralink-backend/internal/adapters/bot"
	"viralink-backend/internal/adapters/imagegen"
	"viralink-backend/internal/adapters/mtproto"
	"viralink-backend/internal/adapters/repo"
	"viralink-backend/internal/adapters/scraper"
	"viralink-backend/internal/adapters/search"
	"viralink-backend/internal/adapters/storage"
	"viralink-backend/internal/adapters/telegram"
	"viralink-backend/internal/domain"
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
	"viralink-backend/internal/usecase/postgen"
)

// notifyDedupTTL не даёт продублировать уведомление при повторной доставке.
const notifyDedupTTL = 24 * time.Hour

type worker struct {
	log       zerolog.Logger
	queue     domain.AgentJobQueue
	jobsUC    *jobs.Service
	agentsUC  *agents.Service
	postgenUC *postgen.Service
	notifier  *bot.Notifier
	cache     domain.Cache
}

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv).With().Str("service", "worker").Logger()

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
	cacheStore := cache.NewRedis(redisClient)

	platformBot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать платформенного бота")
	}

	resolver := mtproto.NewResolver(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.Telegram.Token, logger)
	botFactory := telegram.NewFactory()
	llm := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)

	s3store, err := storage.NewS3(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось инициализировать объектное хранилище")
	}
	imageGen := imagegen.NewMirror(
		imagegen.New(cfg.Replicate.APIKey, cfg.Replicate.Model, cfg.Replicate.Timeout),
		s3store,
		logger,
	)

	agentsUC := agents.NewService(store.Agents(), store.UserBots(), resolver, botFactory, cacheStore, logger)
	jobsUC := jobs.NewService(store.Jobs(), store.Agents(), jobQueue, cfg.Jobs.StaleAfter, logger)
	creditsUC := credits.NewService(store.Credits(), logger)
	postgenUC := postgen.NewService(
		llm,
		cfg.OpenAI.Model,
		search.NewDuckDuckGo(),
		scraper.New(),
		imageGen,
		store.Agents(),
		creditsUC,
		postgen.Costs{PostGeneration: cfg.Credits.PostGeneration, ImageGeneration: cfg.Credits.ImageGeneration},
		logger,
	)

	w := &worker{
		log:       logger,
		queue:     jobQueue,
		jobsUC:    jobsUC,
		agentsUC:  agentsUC,
		postgenUC: postgenUC,
		notifier:  bot.NewNotifier(platformBot, logger),
		cache:     cacheStore,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), fmt.Sprintf(":%d", cfg.Port))

	logger.Info().Str("queue", cfg.Queues.AgentJobs).Msg("воркер запущен")
	w.run(ctx)
	logger.Info().Msg("воркер остановлен")
}

func (w *worker) run(ctx context.Context) {
	for {
		msg, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("ошибка чтения из очереди")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, msg, ack)
	}
}

func (w *worker) process(ctx context.Context, msg domain.AgentJobMessage, ack domain.AckFunc) {
	logger := w.log.With().Str("job_id", msg.JobID.String()).Str("type", string(msg.Type)).Logger()

	job, err := w.jobsUC.Claim(ctx, msg.JobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobAlreadyClaimed):
			// повторная доставка уже взятой задачи
			logger.Debug().Msg("задача уже обрабатывается, пропускаю")
			w.ack(ack, true)
		case errors.Is(err, domain.ErrJobStale):
			logger.Warn().Msg("задача протухла")
			w.notifyFailedOnce(ctx, msg.JobID, err)
			w.ack(ack, true)
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn().Msg("задача не найдена")
			w.ack(ack, true)
		default:
			logger.Error().Err(err).Msg("не удалось взять задачу")
			w.ack(ack, false)
		}
		return
	}

	start := time.Now()
	outcome := "completed"
	if err := w.handle(ctx, job); err != nil {
		outcome = "failed"
		w.fail(ctx, job, err)
	}
	metrics.JobProcessingSeconds.WithLabelValues(string(job.Type), outcome).Observe(time.Since(start).Seconds())
	w.ack(ack, true)
}

func (w *worker) handle(ctx context.Context, job domain.AgentJob) error {
	switch job.Type {
	case domain.AgentJobTypePostGeneration:
		text, err := w.postgenUC.Generate(ctx, job)
		if err != nil {
			return err
		}
		completed, err := w.jobsUC.Complete(ctx, job.ID, text)
		if err != nil {
			return err
		}
		w.notifier.NotifyGenerated(ctx, completed, text)
		return nil
	case domain.AgentJobTypePostUpdate:
		res, err := w.postgenUC.Update(ctx, job)
		if err != nil {
			return err
		}
		completed, err := w.jobsUC.Complete(ctx, job.ID, res.Text)
		if err != nil {
			return err
		}
		w.notifier.NotifyUpdated(ctx, completed, res)
		return nil
	default:
		return fmt.Errorf("неподдерживаемый тип задачи: %s", job.Type)
	}
}

func (w *worker) fail(ctx context.Context, job domain.AgentJob, cause error) {
	logger := w.log.With().Str("job_id", job.ID.String()).Logger()
	logger.Error().Err(cause).Msg("задача не выполнена")

	failed, err := w.jobsUC.Fail(ctx, job.ID, cause)
	if err != nil {
		logger.Error().Err(err).Msg("не удалось пометить задачу failed")
		failed = job
	}

	if errors.Is(cause, domain.ErrInsufficientCredits) {
		if err := w.agentsUC.DisableNoCredit(ctx, job.AgentID); err != nil {
			logger.Error().Err(err).Msg("не удалось выключить агента без кредитов")
		}
	}

	key := "job_notify_failed:" + job.ID.String()
	if err := w.cache.Once(key, notifyDedupTTL, func() error {
		w.notifier.NotifyFailed(ctx, failed, cause)
		return nil
	}); err != nil {
		logger.Warn().Err(err).Msg("не удалось дедуплицировать уведомление")
	}
}

func (w *worker) notifyFailedOnce(ctx context.Context, jobID uuid.UUID, cause error) {
	job, err := w.jobsUC.GetInternal(ctx, jobID)
	if err != nil {
		return
	}
	key := "job_notify_failed:" + job.ID.String()
	_ = w.cache.Once(key, notifyDedupTTL, func() error {
		w.notifier.NotifyFailed(ctx, job, cause)
		return nil
	})
}

func (w *worker) ack(ack domain.AckFunc, success bool) {
	if err := ack(success); err != nil {
		w.log.Warn().Err(err).Msg("не удалось подтвердить сообщение очереди")
	}
}
