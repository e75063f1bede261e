package credits

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
)

type stubCreditsRepo struct {
	granted int64
	locks   map[uuid.UUID]int64

	confirmCalls int
	releaseCalls int
}

func newStubCreditsRepo(granted int64) *stubCreditsRepo {
	return &stubCreditsRepo{granted: granted, locks: make(map[uuid.UUID]int64)}
}

func (s *stubCreditsRepo) openLocked() int64 {
	var sum int64
	for _, amount := range s.locks {
		sum += amount
	}
	return sum
}

func (s *stubCreditsRepo) Lock(_ context.Context, _ int64, amount int64) (uuid.UUID, error) {
	if s.granted-s.openLocked() < amount {
		return uuid.Nil, fmt.Errorf("нужно %d: %w", amount, domain.ErrInsufficientCredits)
	}
	id := uuid.New()
	s.locks[id] = amount
	return id, nil
}

func (s *stubCreditsRepo) Confirm(_ context.Context, _ int64, txID uuid.UUID) error {
	amount, ok := s.locks[txID]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.locks, txID)
	s.granted -= amount
	s.confirmCalls++
	return nil
}

func (s *stubCreditsRepo) Release(_ context.Context, _ int64, txID uuid.UUID) error {
	if _, ok := s.locks[txID]; !ok {
		return domain.ErrNotFound
	}
	delete(s.locks, txID)
	s.releaseCalls++
	return nil
}

func (s *stubCreditsRepo) Balance(context.Context, int64) (int64, int64, error) {
	return s.granted, s.openLocked(), nil
}

func (s *stubCreditsRepo) CreatePurchase(_ context.Context, p domain.CreditsPurchase) (domain.CreditsPurchase, error) {
	return p, nil
}

func (s *stubCreditsRepo) ConfirmPurchase(_ context.Context, _ int64, id uuid.UUID) (domain.CreditsPurchase, error) {
	return domain.CreditsPurchase{ID: id, Status: domain.CreditsPurchaseStatusConfirmed}, nil
}

func TestSpendConfirmsOnSuccess(t *testing.T) {
	repo := newStubCreditsRepo(3)
	service := NewService(repo, zerolog.Nop())

	err := service.Spend(context.Background(), 42, 1, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.granted != 2 {
		t.Fatalf("ожидали списание до 2, получили %d", repo.granted)
	}
	if len(repo.locks) != 0 {
		t.Fatalf("ожидали, что блокировок не останется")
	}
	if repo.confirmCalls != 1 || repo.releaseCalls != 0 {
		t.Fatalf("ожидали ровно одно подтверждение без возврата")
	}
}

func TestSpendReleasesOnError(t *testing.T) {
	repo := newStubCreditsRepo(3)
	service := NewService(repo, zerolog.Nop())

	wantErr := errors.New("провайдер недоступен")
	err := service.Spend(context.Background(), 42, 1, func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("ожидали ошибку операции, получили %v", err)
	}
	if repo.granted != 3 {
		t.Fatalf("баланс не должен меняться при отказе, получили %d", repo.granted)
	}
	if repo.releaseCalls != 1 {
		t.Fatalf("ожидали возврат резерва")
	}
}

func TestSpendReleasesOnPanic(t *testing.T) {
	repo := newStubCreditsRepo(3)
	service := NewService(repo, zerolog.Nop())

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("ожидали панику")
			}
		}()
		_ = service.Spend(context.Background(), 42, 1, func(context.Context) error { panic("boom") })
	}()

	if repo.releaseCalls != 1 {
		t.Fatalf("резерв должен вернуться и при панике")
	}
	if repo.granted != 3 {
		t.Fatalf("баланс не должен меняться при панике, получили %d", repo.granted)
	}
}

func TestSpendInsufficientCredits(t *testing.T) {
	repo := newStubCreditsRepo(1)
	service := NewService(repo, zerolog.Nop())

	called := false
	err := service.Spend(context.Background(), 42, 2, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("ожидали ErrInsufficientCredits, получили %v", err)
	}
	if called {
		t.Fatalf("операция не должна выполняться без резерва")
	}
}

func TestBalanceSubtractsOpenLocks(t *testing.T) {
	repo := newStubCreditsRepo(5)
	service := NewService(repo, zerolog.Nop())

	if _, err := service.Lock(context.Background(), 42, 2); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	balance, err := service.Balance(context.Background(), 42)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if balance != 3 {
		t.Fatalf("ожидали доступный баланс 3, получили %d", balance)
	}
}

func TestLockRejectsNonPositiveAmount(t *testing.T) {
	repo := newStubCreditsRepo(5)
	service := NewService(repo, zerolog.Nop())

	var validation *domain.ValidationError
	if _, err := service.Lock(context.Background(), 42, 0); !errors.As(err, &validation) {
		t.Fatalf("ожидали ошибку валидации, получили %v", err)
	}
}
