package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// Postgres — общая база репозиториев на pgxpool.
type Postgres struct {
	pool   *pgxpool.Pool
	cipher *TokenCipher
}

// NewPostgres создаёт адаптер БД. cipher шифрует бот-токены в состоянии покоя.
func NewPostgres(pool *pgxpool.Pool, cipher *TokenCipher) *Postgres {
	return &Postgres{pool: pool, cipher: cipher}
}

// TGUsers возвращает репозиторий пользователей.
func (p *Postgres) TGUsers() *TGUsers { return &TGUsers{p} }

// Agents возвращает репозиторий агентов.
func (p *Postgres) Agents() *Agents { return &Agents{p} }

// UserBots возвращает репозиторий бот-токенов.
func (p *Postgres) UserBots() *UserBots { return &UserBots{p} }

// Jobs возвращает репозиторий задач.
func (p *Postgres) Jobs() *Jobs { return &Jobs{p} }

// Credits возвращает журнал кредитов.
func (p *Postgres) Credits() *Credits { return &Credits{p} }

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// TGUsers реализует domain.TGUserRepo.
type TGUsers struct{ *Postgres }

var _ domain.TGUserRepo = (*TGUsers)(nil)

// Upsert создаёт либо обновляет пользователя по Telegram ID.
func (r *TGUsers) Upsert(ctx context.Context, user domain.TGUser) (domain.TGUser, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	var out domain.TGUser
	start := time.Now()
	err := r.pool.QueryRow(ctx, `
INSERT INTO tg_users (tg_id, username, first_name, last_name, language_code, is_bot)
VALUES ($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), $6)
ON CONFLICT (tg_id) DO UPDATE SET
    username = EXCLUDED.username,
    first_name = EXCLUDED.first_name,
    last_name = EXCLUDED.last_name,
    language_code = COALESCE(EXCLUDED.language_code, tg_users.language_code),
    updated_at = now()
RETURNING tg_id, COALESCE(username,''), COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(language_code,''), is_bot, is_blocked, credits, created_at, updated_at
`, user.TGID, user.Username, user.FirstName, user.LastName, user.LanguageCode, user.IsBot).
		Scan(&out.TGID, &out.Username, &out.FirstName, &out.LastName, &out.LanguageCode, &out.IsBot, &out.IsBlocked, &out.Credits, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "tg_users_upsert", "tg_users", start, err)
	if err != nil {
		return domain.TGUser{}, err
	}
	return out, nil
}

// GetByTGID возвращает пользователя по Telegram ID.
func (r *TGUsers) GetByTGID(ctx context.Context, tgID int64) (domain.TGUser, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	var out domain.TGUser
	start := time.Now()
	err := r.pool.QueryRow(ctx, `
SELECT tg_id, COALESCE(username,''), COALESCE(first_name,''), COALESCE(last_name,''), COALESCE(language_code,''), is_bot, is_blocked, credits, created_at, updated_at
FROM tg_users WHERE tg_id=$1
`, tgID).Scan(&out.TGID, &out.Username, &out.FirstName, &out.LastName, &out.LanguageCode, &out.IsBot, &out.IsBlocked, &out.Credits, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "tg_users_get", "tg_users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TGUser{}, fmt.Errorf("пользователь %d: %w", tgID, domain.ErrNotFound)
	}
	return out, err
}

const agentColumns = `id, tg_user_id, channel_handle, channel_id, channel_meta, profile, COALESCE(profile_generated,''), bot_permissions, status, status_changed_at, status_error, status_errored_at, user_bot_id, created_at, updated_at, deleted_at`

type pgRow interface {
	Scan(dest ...any) error
}

func scanAgent(row pgRow) (domain.Agent, error) {
	var (
		a         domain.Agent
		metaJSON  []byte
		profJSON  []byte
		permsJSON []byte
		errJSON   []byte
		status    string
	)
	err := row.Scan(&a.ID, &a.TGUserID, &a.ChannelHandle, &a.ChannelID, &metaJSON, &profJSON, &a.ProfileGenerated, &permsJSON, &status, &a.StatusChangedAt, &errJSON, &a.StatusErroredAt, &a.UserBotID, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		return domain.Agent{}, err
	}
	a.Status = domain.AgentStatus(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.ChannelMeta); err != nil {
			return domain.Agent{}, fmt.Errorf("channel_meta: %w", err)
		}
	}
	if len(profJSON) > 0 {
		if err := json.Unmarshal(profJSON, &a.Profile); err != nil {
			return domain.Agent{}, fmt.Errorf("profile: %w", err)
		}
	}
	if len(permsJSON) > 0 {
		var perms domain.BotPermissions
		if err := json.Unmarshal(permsJSON, &perms); err != nil {
			return domain.Agent{}, fmt.Errorf("bot_permissions: %w", err)
		}
		a.BotPermissions = &perms
	}
	if len(errJSON) > 0 {
		var statusErr domain.StatusError
		if err := json.Unmarshal(errJSON, &statusErr); err != nil {
			return domain.Agent{}, fmt.Errorf("status_error: %w", err)
		}
		a.StatusError = &statusErr
	}
	return a, nil
}

// Agents реализует domain.AgentRepo.
type Agents struct{ *Postgres }

var _ domain.AgentRepo = (*Agents)(nil)

// Create сохраняет нового агента.
func (r *Agents) Create(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	metaJSON, err := json.Marshal(agent.ChannelMeta)
	if err != nil {
		return domain.Agent{}, err
	}
	profJSON, err := json.Marshal(agent.Profile)
	if err != nil {
		return domain.Agent{}, err
	}

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
INSERT INTO agents (id, tg_user_id, channel_handle, channel_id, channel_meta, profile, status, status_changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
RETURNING `+agentColumns+`
`, agent.ID, agent.TGUserID, agent.ChannelHandle, agent.ChannelID, metaJSON, profJSON, string(agent.Status))
	created, err := scanAgent(row)
	metrics.ObserveNetworkRequest("postgres", "agents_insert", "agents", start, err)
	return created, err
}

// GetByID возвращает агента. Удалённые агенты не видны.
func (r *Agents) GetByID(ctx context.Context, id uuid.UUID) (domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
SELECT `+agentColumns+` FROM agents WHERE id=$1 AND deleted_at IS NULL
`, id)
	agent, err := scanAgent(row)
	metrics.ObserveNetworkRequest("postgres", "agents_get", "agents", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("агент %s: %w", id, domain.ErrNotFound)
	}
	return agent, err
}

// GetForChannel возвращает агента пользователя для канала.
func (r *Agents) GetForChannel(ctx context.Context, tgUserID, channelID int64) (domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE tg_user_id=$1 AND channel_id=$2 AND deleted_at IS NULL
`, tgUserID, channelID)
	agent, err := scanAgent(row)
	metrics.ObserveNetworkRequest("postgres", "agents_get_for_channel", "agents", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("агент канала %d: %w", channelID, domain.ErrNotFound)
	}
	return agent, err
}

// ListByUser возвращает агентов пользователя.
func (r *Agents) ListByUser(ctx context.Context, tgUserID int64) ([]domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := r.pool.Query(ctx, `
SELECT `+agentColumns+` FROM agents
WHERE tg_user_id=$1 AND deleted_at IS NULL
ORDER BY created_at DESC
`, tgUserID)
	metrics.ObserveNetworkRequest("postgres", "agents_list_by_user", "agents", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateStatus выполняет охраняемый переход статуса. Непустой from превращает
// обновление в условное: ноль затронутых строк означает, что статус уже
// сменился конкурентно, и возвращается ErrNotFound.
func (r *Agents) UpdateStatus(ctx context.Context, id uuid.UUID, to domain.AgentStatus, from ...domain.AgentStatus) (domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	fromList := make([]string, 0, len(from))
	for _, status := range from {
		fromList = append(fromList, string(status))
	}

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
UPDATE agents
SET status=$2, status_changed_at=now(), status_error=NULL, status_errored_at=NULL, updated_at=now()
WHERE id=$1 AND deleted_at IS NULL AND (cardinality($3::text[]) = 0 OR status = ANY($3::text[]))
RETURNING `+agentColumns+`
`, id, string(to), fromList)
	agent, err := scanAgent(row)
	metrics.ObserveNetworkRequest("postgres", "agents_update_status", "agents", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("агент %s: %w", id, domain.ErrNotFound)
	}
	return agent, err
}

// AttachBot привязывает бота и переводит агента в waiting_bot_access.
func (r *Agents) AttachBot(ctx context.Context, agentID, userBotID uuid.UUID) (domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
UPDATE agents
SET user_bot_id=$2, status=$3, status_changed_at=now(), status_error=NULL, status_errored_at=NULL, updated_at=now()
WHERE id=$1 AND deleted_at IS NULL
RETURNING `+agentColumns+`
`, agentID, userBotID, string(domain.AgentStatusWaitingBotAccess))
	agent, err := scanAgent(row)
	metrics.ObserveNetworkRequest("postgres", "agents_attach_bot", "agents", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("агент %s: %w", agentID, domain.ErrNotFound)
	}
	return agent, err
}

// SaveChannelState атомарно сохраняет метаданные канала и снимок прав бота.
func (r *Agents) SaveChannelState(ctx context.Context, id uuid.UUID, meta domain.ChannelMetadata, perms domain.BotPermissions) (domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return domain.Agent{}, err
	}
	permsJSON, err := json.Marshal(perms)
	if err != nil {
		return domain.Agent{}, err
	}

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
UPDATE agents
SET channel_meta=$2, bot_permissions=$3, updated_at=now()
WHERE id=$1 AND deleted_at IS NULL
RETURNING `+agentColumns+`
`, id, metaJSON, permsJSON)
	agent, err := scanAgent(row)
	metrics.ObserveNetworkRequest("postgres", "agents_save_channel_state", "agents", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("агент %s: %w", id, domain.ErrNotFound)
	}
	return agent, err
}

// UpdateProfile сохраняет профиль канала.
func (r *Agents) UpdateProfile(ctx context.Context, id uuid.UUID, profile domain.ChannelProfile) (domain.Agent, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	profJSON, err := json.Marshal(profile)
	if err != nil {
		return domain.Agent{}, err
	}

	start := time.Now()
	row := r.pool.QueryRow(ctx, `
UPDATE agents SET profile=$2, updated_at=now()
WHERE id=$1 AND deleted_at IS NULL
RETURNING `+agentColumns+`
`, id, profJSON)
	agent, err := scanAgent(row)
	metrics.ObserveNetworkRequest("postgres", "agents_update_profile", "agents", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, fmt.Errorf("агент %s: %w", id, domain.ErrNotFound)
	}
	return agent, err
}

// SetProfileGenerated сохраняет скользящую сводку опубликованных постов.
func (r *Agents) SetProfileGenerated(ctx context.Context, id uuid.UUID, text string) error {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
UPDATE agents SET profile_generated=$2, updated_at=now()
WHERE id=$1 AND deleted_at IS NULL
`, id, text)
	metrics.ObserveNetworkRequest("postgres", "agents_set_profile_generated", "agents", start, err)
	return err
}

// SaveStatusError сохраняет структурированную ошибку на агенте.
func (r *Agents) SaveStatusError(ctx context.Context, id uuid.UUID, statusErr domain.StatusError) error {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	errJSON, err := json.Marshal(statusErr)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = r.pool.Exec(ctx, `
UPDATE agents SET status_error=$2, status_errored_at=now(), updated_at=now()
WHERE id=$1 AND deleted_at IS NULL
`, id, errJSON)
	metrics.ObserveNetworkRequest("postgres", "agents_save_status_error", "agents", start, err)
	return err
}

// SoftDelete помечает агента удалённым.
func (r *Agents) SoftDelete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := r.pool.Exec(ctx, `
UPDATE agents SET deleted_at=now(), updated_at=now()
WHERE id=$1 AND deleted_at IS NULL
`, id)
	metrics.ObserveNetworkRequest("postgres", "agents_soft_delete", "agents", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("агент %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// UserBots реализует domain.UserBotRepo.
type UserBots struct{ *Postgres }

var _ domain.UserBotRepo = (*UserBots)(nil)

// GetOrCreate создаёт запись для пары (tg_id, владелец) либо обновляет токен
// существующей. Уникальность пары частичная, среди deleted_at IS NULL, поэтому
// арбитр конфликта указывает предикат индекса. Токен шифруется перед записью.
func (r *UserBots) GetOrCreate(ctx context.Context, bot domain.UserBot) (domain.UserBot, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	encToken, err := r.cipher.Encrypt(bot.APIToken)
	if err != nil {
		return domain.UserBot{}, fmt.Errorf("шифрование токена: %w", err)
	}

	start := time.Now()
	var (
		out     domain.UserBot
		dbToken string
	)
	err = r.pool.QueryRow(ctx, `
INSERT INTO user_bots (id, tg_id, tg_user_id, api_token, username, display_name, description)
VALUES ($1, $2, $3, $4, NULLIF($5,''), NULLIF($6,''), NULLIF($7,''))
ON CONFLICT (tg_id, tg_user_id) WHERE deleted_at IS NULL DO UPDATE SET
    api_token = EXCLUDED.api_token,
    deleted_at = NULL,
    updated_at = now()
RETURNING id, tg_id, tg_user_id, api_token, COALESCE(username,''), COALESCE(display_name,''), COALESCE(description,''), created_at, updated_at
`, bot.ID, bot.TGID, bot.TGUserID, encToken, bot.Username, bot.DisplayName, bot.Description).
		Scan(&out.ID, &out.TGID, &out.TGUserID, &dbToken, &out.Username, &out.DisplayName, &out.Description, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "user_bots_get_or_create", "user_bots", start, err)
	if err != nil {
		return domain.UserBot{}, err
	}
	out.APIToken, err = r.cipher.Decrypt(dbToken)
	if err != nil {
		return domain.UserBot{}, err
	}
	return out, nil
}

// GetByID возвращает бота с расшифрованным токеном.
func (r *UserBots) GetByID(ctx context.Context, id uuid.UUID) (domain.UserBot, error) {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	var (
		out     domain.UserBot
		dbToken string
	)
	start := time.Now()
	err := r.pool.QueryRow(ctx, `
SELECT id, tg_id, tg_user_id, api_token, COALESCE(username,''), COALESCE(display_name,''), COALESCE(description,''), created_at, updated_at
FROM user_bots WHERE id=$1 AND deleted_at IS NULL
`, id).Scan(&out.ID, &out.TGID, &out.TGUserID, &dbToken, &out.Username, &out.DisplayName, &out.Description, &out.CreatedAt, &out.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "user_bots_get", "user_bots", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserBot{}, fmt.Errorf("бот %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.UserBot{}, err
	}
	out.APIToken, err = r.cipher.Decrypt(dbToken)
	if err != nil {
		return domain.UserBot{}, err
	}
	return out, nil
}

// UpdateMeta обновляет метаданные бота из getMe.
func (r *UserBots) UpdateMeta(ctx context.Context, id uuid.UUID, username, displayName, description string) error {
	ctx, cancel := r.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := r.pool.Exec(ctx, `
UPDATE user_bots
SET username=NULLIF($2,''), display_name=NULLIF($3,''), description=NULLIF($4,''), updated_at=now()
WHERE id=$1 AND deleted_at IS NULL
`, id, username, displayName, description)
	metrics.ObserveNetworkRequest("postgres", "user_bots_update_meta", "user_bots", start, err)
	return err
}
