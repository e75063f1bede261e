package credits

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// Service — журнал кредитов: двухфазный резерв вокруг платных операций.
type Service struct {
	repo domain.CreditsRepo
	log  zerolog.Logger
}

// NewService создаёт сервис кредитов.
func NewService(repo domain.CreditsRepo, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// Balance возвращает доступный баланс: выданные кредиты минус открытые блокировки.
func (s *Service) Balance(ctx context.Context, tgUserID int64) (int64, error) {
	granted, locked, err := s.repo.Balance(ctx, tgUserID)
	if err != nil {
		return 0, err
	}
	return granted - locked, nil
}

// Lock резервирует кредиты перед платной операцией.
func (s *Service) Lock(ctx context.Context, tgUserID, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, &domain.ValidationError{Field: "amount", Reason: "должно быть положительным"}
	}
	txID, err := s.repo.Lock(ctx, tgUserID, amount)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			metrics.CreditsLockFailures.Inc()
		}
		return uuid.Nil, err
	}
	metrics.CreditsLockedTotal.Add(float64(amount))
	return txID, nil
}

// Confirm делает списание окончательным.
func (s *Service) Confirm(ctx context.Context, tgUserID int64, txID uuid.UUID) error {
	if err := s.repo.Confirm(ctx, tgUserID, txID); err != nil {
		return err
	}
	metrics.CreditsConfirmedTotal.Inc()
	return nil
}

// Release снимает резерв, возвращая кредиты в доступный пул.
func (s *Service) Release(ctx context.Context, tgUserID int64, txID uuid.UUID) error {
	if err := s.repo.Release(ctx, tgUserID, txID); err != nil {
		return err
	}
	metrics.CreditsReleasedTotal.Inc()
	return nil
}

// Spend выполняет fn под резервом кредитов: блокировка на входе,
// подтверждение при nil-ошибке, возврат резерва на любом пути отказа,
// включая панику и отмену контекста. За одну попытку списывается не
// больше одного amount.
func (s *Service) Spend(ctx context.Context, tgUserID, amount int64, fn func(context.Context) error) error {
	txID, err := s.Lock(ctx, tgUserID, amount)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// исходный ctx мог быть отменён, резерв возвращаем в любом случае
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rerr := s.Release(releaseCtx, tgUserID, txID); rerr != nil {
			s.log.Error().Err(rerr).
				Int64("tg_user_id", tgUserID).
				Str("tx_id", txID.String()).
				Msg("credits: не удалось вернуть резерв")
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	if err := s.Confirm(ctx, tgUserID, txID); err != nil {
		return err
	}
	committed = true
	return nil
}

// BookPurchase бронирует покупку пакета кредитов.
func (s *Service) BookPurchase(ctx context.Context, tgUserID int64, packageName string, creditsAmount int64) (domain.CreditsPurchase, error) {
	if creditsAmount <= 0 {
		return domain.CreditsPurchase{}, &domain.ValidationError{Field: "credits_amount", Reason: "должно быть положительным"}
	}
	if packageName == "" {
		return domain.CreditsPurchase{}, &domain.ValidationError{Field: "package_name", Reason: "не задано"}
	}
	return s.repo.CreatePurchase(ctx, domain.CreditsPurchase{
		ID:            uuid.New(),
		TGUserID:      tgUserID,
		CreditsAmount: creditsAmount,
		PackageName:   packageName,
		Status:        domain.CreditsPurchaseStatusInitial,
	})
}

// ConfirmPurchase подтверждает покупку и зачисляет кредиты пользователю.
func (s *Service) ConfirmPurchase(ctx context.Context, tgUserID int64, purchaseID uuid.UUID) (domain.CreditsPurchase, error) {
	purchase, err := s.repo.ConfirmPurchase(ctx, tgUserID, purchaseID)
	if err != nil {
		return domain.CreditsPurchase{}, err
	}
	s.log.Info().
		Int64("tg_user_id", tgUserID).
		Str("purchase_id", purchaseID.String()).
		Int64("credits", purchase.CreditsAmount).
		Msg("credits: покупка подтверждена")
	return purchase, nil
}
