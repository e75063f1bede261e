package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// Credits реализует domain.CreditsRepo. Блокировки живут в
// credits_transactions; подтверждение и возврат закрывают их через
// deleted_at, подтверждение дополнительно списывает выданный баланс.
type Credits struct{ *Postgres }

var _ domain.CreditsRepo = (*Credits)(nil)

// Lock проверяет доступный баланс под FOR UPDATE строки пользователя и
// создаёт LOCKED-транзакцию. Конкурентные блокировки одного пользователя
// сериализуются на строке tg_users, поэтому перерасход невозможен: пока
// транзакция не закоммичена, конкурент не прочитает баланс и не увидит
// сумму открытых блокировок без вставленной строки.
//
// Порядок взятия блокировок: строка tg_users первой, затем строки
// credits_transactions. Confirm и ConfirmPurchase трогают ту же строку
// tg_users последней, но их вторая блокировка — всегда уже существующая
// строка транзакции, которую Lock не обновляет, поэтому цикла ожидания
// между ними нет.
func (r *Credits) Lock(ctx context.Context, tgUserID, amount int64) (uuid.UUID, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "credits_transactions", start, err)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	var granted int64
	start = time.Now()
	err = tx.QueryRow(ctx, `SELECT credits FROM tg_users WHERE tg_id=$1 FOR UPDATE`, tgUserID).Scan(&granted)
	metrics.ObserveNetworkRequest("postgres", "tg_users_get_for_update", "tg_users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("пользователь %d: %w", tgUserID, domain.ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, err
	}

	var locked int64
	start = time.Now()
	err = tx.QueryRow(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM credits_transactions
WHERE tg_user_id=$1 AND status=$2 AND deleted_at IS NULL
`, tgUserID, string(domain.CreditsTxStatusLocked)).Scan(&locked)
	metrics.ObserveNetworkRequest("postgres", "credits_tx_sum_locked", "credits_transactions", start, err)
	if err != nil {
		return uuid.Nil, err
	}

	if granted-locked < amount {
		return uuid.Nil, fmt.Errorf("нужно %d, доступно %d: %w", amount, granted-locked, domain.ErrInsufficientCredits)
	}

	txID := uuid.New()
	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO credits_transactions (id, tg_user_id, amount, status)
VALUES ($1, $2, $3, $4)
`, txID, tgUserID, amount, string(domain.CreditsTxStatusLocked))
	metrics.ObserveNetworkRequest("postgres", "credits_tx_insert", "credits_transactions", start, err)
	if err != nil {
		return uuid.Nil, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "credits_transactions", start, err)
	if err != nil {
		return uuid.Nil, err
	}
	return txID, nil
}

// Confirm закрывает блокировку и списывает её сумму с выданного баланса в
// одной транзакции БД.
func (r *Credits) Confirm(ctx context.Context, tgUserID int64, txID uuid.UUID) error {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "credits_transactions", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var amount int64
	start = time.Now()
	err = tx.QueryRow(ctx, `
UPDATE credits_transactions
SET deleted_at=now()
WHERE id=$1 AND tg_user_id=$2 AND status=$3 AND deleted_at IS NULL
RETURNING amount
`, txID, tgUserID, string(domain.CreditsTxStatusLocked)).Scan(&amount)
	metrics.ObserveNetworkRequest("postgres", "credits_tx_confirm", "credits_transactions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("блокировка %s: %w", txID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE tg_users SET credits = credits - $2, updated_at=now() WHERE tg_id=$1
`, tgUserID, amount)
	metrics.ObserveNetworkRequest("postgres", "tg_users_debit", "tg_users", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "credits_transactions", start, err)
	return err
}

// Release закрывает блокировку, не трогая выданный баланс.
func (r *Credits) Release(ctx context.Context, tgUserID int64, txID uuid.UUID) error {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := r.pool.Exec(ctx, `
UPDATE credits_transactions
SET deleted_at=now()
WHERE id=$1 AND tg_user_id=$2 AND status=$3 AND deleted_at IS NULL
`, txID, tgUserID, string(domain.CreditsTxStatusLocked))
	metrics.ObserveNetworkRequest("postgres", "credits_tx_release", "credits_transactions", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("блокировка %s: %w", txID, domain.ErrNotFound)
	}
	return nil
}

// Balance возвращает выданный баланс и сумму открытых блокировок.
func (r *Credits) Balance(ctx context.Context, tgUserID int64) (int64, int64, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	var granted, locked int64
	start := time.Now()
	err := r.pool.QueryRow(ctx, `
SELECT u.credits,
       COALESCE((SELECT SUM(t.amount) FROM credits_transactions t
                 WHERE t.tg_user_id=u.tg_id AND t.status=$2 AND t.deleted_at IS NULL), 0)
FROM tg_users u WHERE u.tg_id=$1
`, tgUserID, string(domain.CreditsTxStatusLocked)).Scan(&granted, &locked)
	metrics.ObserveNetworkRequest("postgres", "credits_balance", "credits_transactions", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, fmt.Errorf("пользователь %d: %w", tgUserID, domain.ErrNotFound)
	}
	return granted, locked, err
}

// CreatePurchase бронирует покупку пакета кредитов.
func (r *Credits) CreatePurchase(ctx context.Context, purchase domain.CreditsPurchase) (domain.CreditsPurchase, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	var out domain.CreditsPurchase
	var status string
	start := time.Now()
	err := r.pool.QueryRow(ctx, `
INSERT INTO credits_purchases (id, tg_user_id, credits_amount, package_name, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, tg_user_id, credits_amount, package_name, status, created_at, updated_at
`, purchase.ID, purchase.TGUserID, purchase.CreditsAmount, purchase.PackageName, string(purchase.Status)).
		Scan(&out.ID, &out.TGUserID, &out.CreditsAmount, &out.PackageName, &status, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "credits_purchases_insert", "credits_purchases", start, err)
	out.Status = domain.CreditsPurchaseStatus(status)
	return out, err
}

// ConfirmPurchase переводит покупку initial -> confirmed и зачисляет кредиты
// пользователю в одной транзакции БД.
func (r *Credits) ConfirmPurchase(ctx context.Context, tgUserID int64, purchaseID uuid.UUID) (domain.CreditsPurchase, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "credits_purchases", start, err)
	if err != nil {
		return domain.CreditsPurchase{}, err
	}
	defer tx.Rollback(ctx)

	var out domain.CreditsPurchase
	var status string
	start = time.Now()
	err = tx.QueryRow(ctx, `
UPDATE credits_purchases
SET status=$3, updated_at=now()
WHERE id=$1 AND tg_user_id=$2 AND status=$4 AND deleted_at IS NULL
RETURNING id, tg_user_id, credits_amount, package_name, status, created_at, updated_at
`, purchaseID, tgUserID, string(domain.CreditsPurchaseStatusConfirmed), string(domain.CreditsPurchaseStatusInitial)).
		Scan(&out.ID, &out.TGUserID, &out.CreditsAmount, &out.PackageName, &status, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "credits_purchases_confirm", "credits_purchases", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CreditsPurchase{}, fmt.Errorf("покупка %s: %w", purchaseID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CreditsPurchase{}, err
	}
	out.Status = domain.CreditsPurchaseStatus(status)

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE tg_users SET credits = credits + $2, updated_at=now() WHERE tg_id=$1
`, tgUserID, out.CreditsAmount)
	metrics.ObserveNetworkRequest("postgres", "tg_users_credit", "tg_users", start, err)
	if err != nil {
		return domain.CreditsPurchase{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "credits_purchases", start, err)
	if err != nil {
		return domain.CreditsPurchase{}, err
	}
	return out, nil
}
