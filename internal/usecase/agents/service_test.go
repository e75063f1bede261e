package agents

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
)

type stubAgentRepo struct {
	agents map[uuid.UUID]domain.Agent
}

func newStubAgentRepo(agents ...domain.Agent) *stubAgentRepo {
	repo := &stubAgentRepo{agents: make(map[uuid.UUID]domain.Agent)}
	for _, agent := range agents {
		repo.agents[agent.ID] = agent
	}
	return repo
}

func (s *stubAgentRepo) Create(_ context.Context, agent domain.Agent) (domain.Agent, error) {
	s.agents[agent.ID] = agent
	return agent, nil
}

func (s *stubAgentRepo) GetByID(_ context.Context, id uuid.UUID) (domain.Agent, error) {
	agent, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return agent, nil
}

func (s *stubAgentRepo) GetForChannel(_ context.Context, tgUserID, channelID int64) (domain.Agent, error) {
	for _, agent := range s.agents {
		if agent.TGUserID == tgUserID && agent.ChannelID == channelID {
			return agent, nil
		}
	}
	return domain.Agent{}, domain.ErrNotFound
}

func (s *stubAgentRepo) ListByUser(_ context.Context, tgUserID int64) ([]domain.Agent, error) {
	var out []domain.Agent
	for _, agent := range s.agents {
		if agent.TGUserID == tgUserID {
			out = append(out, agent)
		}
	}
	return out, nil
}

func (s *stubAgentRepo) UpdateStatus(_ context.Context, id uuid.UUID, to domain.AgentStatus, from ...domain.AgentStatus) (domain.Agent, error) {
	agent, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	if len(from) > 0 {
		allowed := false
		for _, status := range from {
			if agent.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return domain.Agent{}, domain.ErrNotFound
		}
	}
	agent.Status = to
	agent.StatusError = nil
	s.agents[id] = agent
	return agent, nil
}

func (s *stubAgentRepo) AttachBot(_ context.Context, agentID, userBotID uuid.UUID) (domain.Agent, error) {
	agent, ok := s.agents[agentID]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	agent.UserBotID = &userBotID
	agent.Status = domain.AgentStatusWaitingBotAccess
	s.agents[agentID] = agent
	return agent, nil
}

func (s *stubAgentRepo) SaveChannelState(_ context.Context, id uuid.UUID, meta domain.ChannelMetadata, perms domain.BotPermissions) (domain.Agent, error) {
	agent, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	agent.ChannelMeta = meta
	agent.BotPermissions = &perms
	s.agents[id] = agent
	return agent, nil
}

func (s *stubAgentRepo) UpdateProfile(_ context.Context, id uuid.UUID, profile domain.ChannelProfile) (domain.Agent, error) {
	agent, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	agent.Profile = profile
	s.agents[id] = agent
	return agent, nil
}

func (s *stubAgentRepo) SetProfileGenerated(_ context.Context, id uuid.UUID, text string) error {
	agent, ok := s.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	agent.ProfileGenerated = text
	s.agents[id] = agent
	return nil
}

func (s *stubAgentRepo) SaveStatusError(_ context.Context, id uuid.UUID, statusErr domain.StatusError) error {
	agent, ok := s.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	agent.StatusError = &statusErr
	s.agents[id] = agent
	return nil
}

func (s *stubAgentRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	if _, ok := s.agents[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

type stubUserBotRepo struct {
	bots map[uuid.UUID]domain.UserBot
}

func newStubUserBotRepo() *stubUserBotRepo {
	return &stubUserBotRepo{bots: make(map[uuid.UUID]domain.UserBot)}
}

func (s *stubUserBotRepo) GetOrCreate(_ context.Context, bot domain.UserBot) (domain.UserBot, error) {
	for _, existing := range s.bots {
		if existing.TGID == bot.TGID && existing.TGUserID == bot.TGUserID {
			return existing, nil
		}
	}
	s.bots[bot.ID] = bot
	return bot, nil
}

func (s *stubUserBotRepo) GetByID(_ context.Context, id uuid.UUID) (domain.UserBot, error) {
	bot, ok := s.bots[id]
	if !ok {
		return domain.UserBot{}, domain.ErrNotFound
	}
	return bot, nil
}

func (s *stubUserBotRepo) UpdateMeta(_ context.Context, id uuid.UUID, username, displayName, description string) error {
	bot, ok := s.bots[id]
	if !ok {
		return domain.ErrNotFound
	}
	bot.Username = username
	bot.DisplayName = displayName
	bot.Description = description
	s.bots[id] = bot
	return nil
}

type stubResolver struct {
	meta domain.ChannelMeta
	err  error
}

func (s *stubResolver) Resolve(context.Context, string) (domain.ChannelMeta, error) {
	return s.meta, s.err
}

type stubBotClient struct {
	me          domain.BotInfo
	meErr       error
	chat        domain.ChatInfo
	chatErr     error
	perms       domain.BotPermissions
	permsErr    error
	permsCalls  int
	memberCount int
}

func (s *stubBotClient) Me(context.Context) (domain.BotInfo, error) { return s.me, s.meErr }
func (s *stubBotClient) GetChat(context.Context, string) (domain.ChatInfo, error) {
	return s.chat, s.chatErr
}
func (s *stubBotClient) GetChatMember(context.Context, string, int64) (domain.BotPermissions, error) {
	s.permsCalls++
	return s.perms, s.permsErr
}
func (s *stubBotClient) GetChatMemberCount(context.Context, int64) (int, error) {
	return s.memberCount, nil
}
func (s *stubBotClient) SendMessage(context.Context, int64, string) error       { return nil }
func (s *stubBotClient) SendPhoto(context.Context, int64, string, string) error { return nil }
func (s *stubBotClient) FileURL(context.Context, string) (string, error)        { return "", nil }

type stubBotFactory struct {
	client *stubBotClient
	err    error
}

func (s *stubBotFactory) Client(string) (domain.BotClient, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

type stubCache struct {
	values map[string][]byte
}

func newStubCache() *stubCache { return &stubCache{values: make(map[string][]byte)} }

func (s *stubCache) Once(key string, _ time.Duration, fn func() error) error {
	if _, ok := s.values[key]; ok {
		return nil
	}
	s.values[key] = []byte("1")
	if err := fn(); err != nil {
		delete(s.values, key)
		return err
	}
	return nil
}

func (s *stubCache) Set(key string, value []byte, _ time.Duration) error {
	s.values[key] = value
	return nil
}

func (s *stubCache) Get(key string) ([]byte, error) {
	value, ok := s.values[key]
	if !ok {
		return nil, errors.New("нет значения")
	}
	return value, nil
}

func newService(repo *stubAgentRepo, userBots *stubUserBotRepo, resolver *stubResolver, factory *stubBotFactory) *Service {
	return NewService(repo, userBots, resolver, factory, nil, zerolog.Nop())
}

func TestParseHandle(t *testing.T) {
	cases := map[string]string{
		"@MyChannel":             "mychannel",
		"t.me/golang_news":       "golang_news",
		"https://t.me/Example1":  "example1",
		"  @spaced  ":            "spaced",
		"raw_handle":             "raw_handle",
		"@bad!":                  "",
		"shrt":                   "",
		"https://example.com/ch": "",
	}
	for input, expected := range cases {
		handle, err := ParseHandle(input)
		if expected == "" {
			if !errors.Is(err, ErrHandleInvalid) {
				t.Fatalf("ожидали ErrHandleInvalid для %q, получили %v", input, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("не ожидали ошибку для %q: %v", input, err)
		}
		if handle != expected {
			t.Fatalf("для %q ожидали %q, получили %q", input, expected, handle)
		}
	}
}

func TestCreateIsIdempotentPerChannel(t *testing.T) {
	repo := newStubAgentRepo()
	resolver := &stubResolver{meta: domain.ChannelMeta{ID: -100, Handle: "mychannel", Title: "Мой канал"}}
	service := newService(repo, newStubUserBotRepo(), resolver, &stubBotFactory{})

	first, err := service.Create(context.Background(), 42, "@mychannel")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if first.Status != domain.AgentStatusWaitingBotAttach {
		t.Fatalf("ожидали waiting_bot_attach, получили %s", first.Status)
	}

	second, err := service.Create(context.Background(), 42, "@mychannel")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("повторная регистрация должна вернуть существующего агента")
	}
	if len(repo.agents) != 1 {
		t.Fatalf("ожидали одного агента, получили %d", len(repo.agents))
	}
}

func TestAttachBotInvalidToken(t *testing.T) {
	agent := domain.Agent{ID: uuid.New(), TGUserID: 42, Status: domain.AgentStatusWaitingBotAttach}
	repo := newStubAgentRepo(agent)
	factory := &stubBotFactory{err: fmt.Errorf("401")}
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, factory)

	if _, err := service.AttachBot(context.Background(), 42, agent.ID, "bad-token"); !errors.Is(err, ErrBotTokenInvalid) {
		t.Fatalf("ожидали ErrBotTokenInvalid, получили %v", err)
	}
}

func TestAttachBotMovesToWaitingAccess(t *testing.T) {
	agent := domain.Agent{ID: uuid.New(), TGUserID: 42, Status: domain.AgentStatusWaitingBotAttach}
	repo := newStubAgentRepo(agent)
	factory := &stubBotFactory{client: &stubBotClient{me: domain.BotInfo{ID: 7, Username: "mybot"}}}
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, factory)

	updated, err := service.AttachBot(context.Background(), 42, agent.ID, "token")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if updated.Status != domain.AgentStatusWaitingBotAccess {
		t.Fatalf("ожидали waiting_bot_access, получили %s", updated.Status)
	}
	if updated.UserBotID == nil {
		t.Fatalf("ожидали привязанного бота")
	}
}

func setupConnectedAgent(status domain.AgentStatus, profile domain.ChannelProfile) (*stubAgentRepo, *stubUserBotRepo, domain.Agent) {
	userBots := newStubUserBotRepo()
	bot := domain.UserBot{ID: uuid.New(), TGID: 7, TGUserID: 42, APIToken: "token"}
	userBots.bots[bot.ID] = bot
	agent := domain.Agent{
		ID:            uuid.New(),
		TGUserID:      42,
		ChannelHandle: "mychannel",
		ChannelID:     -100,
		Profile:       profile,
		Status:        status,
		UserBotID:     &bot.ID,
	}
	return newStubAgentRepo(agent), userBots, agent
}

func TestCheckPermissionsBotNotInChannelStays(t *testing.T) {
	repo, userBots, agent := setupConnectedAgent(domain.AgentStatusWaitingBotAccess, domain.ChannelProfile{})
	factory := &stubBotFactory{client: &stubBotClient{permsErr: domain.ErrBotForbidden}}
	service := newService(repo, userBots, &stubResolver{}, factory)

	got, err := service.CheckBotPermissions(context.Background(), 42, agent.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Status != domain.AgentStatusWaitingBotAccess {
		t.Fatalf("агент должен остаться в waiting_bot_access, получили %s", got.Status)
	}
}

func TestCheckPermissionsWithoutBotRejected(t *testing.T) {
	agent := domain.Agent{
		ID:            uuid.New(),
		TGUserID:      42,
		ChannelHandle: "mychannel",
		Status:        domain.AgentStatusWaitingBotAttach,
	}
	repo := newStubAgentRepo(agent)
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, &stubBotFactory{})

	var valErr *domain.ValidationError
	if _, err := service.CheckBotPermissions(context.Background(), 42, agent.ID); !errors.As(err, &valErr) {
		t.Fatalf("ожидали ValidationError, получили %v", err)
	}
	if got := repo.agents[agent.ID]; got.Status != domain.AgentStatusWaitingBotAttach {
		t.Fatalf("статус без привязанного бота меняться не должен, получили %s", got.Status)
	}
}

func TestCheckPermissionsLostAccessReverts(t *testing.T) {
	repo, userBots, agent := setupConnectedAgent(domain.AgentStatusActive, domain.ChannelProfile{
		ContentDescription: "о go", PersonaDescription: "от первого лица",
	})
	factory := &stubBotFactory{client: &stubBotClient{permsErr: domain.ErrChatNotFound}}
	service := newService(repo, userBots, &stubResolver{}, factory)

	got, err := service.CheckBotPermissions(context.Background(), 42, agent.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Status != domain.AgentStatusWaitingBotAccess {
		t.Fatalf("ожидали возврат в waiting_bot_access, получили %s", got.Status)
	}
}

func TestCheckPermissionsNotAChannel(t *testing.T) {
	repo, userBots, agent := setupConnectedAgent(domain.AgentStatusWaitingBotAccess, domain.ChannelProfile{})
	factory := &stubBotFactory{client: &stubBotClient{chat: domain.ChatInfo{ID: -100, IsChannel: false}}}
	service := newService(repo, userBots, &stubResolver{}, factory)

	_, err := service.CheckBotPermissions(context.Background(), 42, agent.ID)
	var appErr *domain.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("ожидали AppError, получили %v", err)
	}
	saved, _ := repo.GetByID(context.Background(), agent.ID)
	if saved.StatusError == nil {
		t.Fatalf("ожидали сохранённую ошибку статуса")
	}
}

func TestCheckPermissionsAsksForProfile(t *testing.T) {
	repo, userBots, agent := setupConnectedAgent(domain.AgentStatusWaitingBotAccess, domain.ChannelProfile{})
	factory := &stubBotFactory{client: &stubBotClient{
		chat:        domain.ChatInfo{ID: -100, Title: "Мой канал", IsChannel: true},
		perms:       domain.BotPermissions{Status: "administrator", CanPostMessages: true},
		memberCount: 150,
	}}
	service := newService(repo, userBots, &stubResolver{}, factory)

	got, err := service.CheckBotPermissions(context.Background(), 42, agent.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Status != domain.AgentStatusWaitingChannelProfile {
		t.Fatalf("ожидали waiting_channel_profile, получили %s", got.Status)
	}
	if got.ChannelMeta.MemberCount != 150 {
		t.Fatalf("ожидали сохранённые метаданные канала")
	}
}

func TestCheckPermissionsActivatesWithCompleteProfile(t *testing.T) {
	repo, userBots, agent := setupConnectedAgent(domain.AgentStatusWaitingBotAccess, domain.ChannelProfile{
		ContentDescription: "о go", PersonaDescription: "от первого лица",
	})
	factory := &stubBotFactory{client: &stubBotClient{
		chat:  domain.ChatInfo{ID: -100, IsChannel: true},
		perms: domain.BotPermissions{Status: "administrator", CanPostMessages: true},
	}}
	service := newService(repo, userBots, &stubResolver{}, factory)

	got, err := service.CheckBotPermissions(context.Background(), 42, agent.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Status != domain.AgentStatusActive {
		t.Fatalf("ожидали active, получили %s", got.Status)
	}
}

func TestCheckPermissionsThrottledByCache(t *testing.T) {
	repo, userBots, agent := setupConnectedAgent(domain.AgentStatusWaitingBotAccess, domain.ChannelProfile{})
	client := &stubBotClient{
		chat:  domain.ChatInfo{ID: -100, IsChannel: true},
		perms: domain.BotPermissions{Status: "administrator", CanPostMessages: true},
	}
	service := NewService(repo, userBots, &stubResolver{}, &stubBotFactory{client: client}, newStubCache(), zerolog.Nop())

	if _, err := service.CheckBotPermissions(context.Background(), 42, agent.ID); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	got, err := service.CheckBotPermissions(context.Background(), 42, agent.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if client.permsCalls != 1 {
		t.Fatalf("повторная проверка не должна дёргать Bot API, вызовов: %d", client.permsCalls)
	}
	if got.Status != domain.AgentStatusWaitingChannelProfile {
		t.Fatalf("ожидали снимок последней проверки, получили %s", got.Status)
	}
}

func TestProfileCompletionActivatesWaitingAgent(t *testing.T) {
	agent := domain.Agent{
		ID:       uuid.New(),
		TGUserID: 42,
		Status:   domain.AgentStatusWaitingChannelProfile,
		Profile:  domain.ChannelProfile{ContentDescription: "о go"},
	}
	repo := newStubAgentRepo(agent)
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, &stubBotFactory{})

	persona := "  от первого лица  "
	got, err := service.UpdateChannelProfile(context.Background(), 42, agent.ID, nil, &persona)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Status != domain.AgentStatusActive {
		t.Fatalf("ожидали активацию после заполнения профиля, получили %s", got.Status)
	}
	if got.Profile.PersonaDescription != "от первого лица" {
		t.Fatalf("ожидали обрезанное значение, получили %q", got.Profile.PersonaDescription)
	}
	if got.Profile.ContentDescription != "о go" {
		t.Fatalf("nil-поле не должно затирать прежнее значение")
	}
}

func TestActivateRequiresCompleteProfile(t *testing.T) {
	agent := domain.Agent{ID: uuid.New(), TGUserID: 42, Status: domain.AgentStatusDisabled}
	repo := newStubAgentRepo(agent)
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, &stubBotFactory{})

	if _, err := service.Activate(context.Background(), 42, agent.ID); !errors.Is(err, ErrProfileIncomplete) {
		t.Fatalf("ожидали ErrProfileIncomplete, получили %v", err)
	}
}

func TestActivateFromInvalidStatus(t *testing.T) {
	agent := domain.Agent{
		ID:       uuid.New(),
		TGUserID: 42,
		Status:   domain.AgentStatusWaitingBotAttach,
		Profile:  domain.ChannelProfile{ContentDescription: "о go", PersonaDescription: "стиль"},
	}
	repo := newStubAgentRepo(agent)
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, &stubBotFactory{})

	var transition *domain.InvalidStateTransitionError
	if _, err := service.Activate(context.Background(), 42, agent.ID); !errors.As(err, &transition) {
		t.Fatalf("ожидали ошибку перехода, получили %v", err)
	}
}

func TestActivateFromDisabledNoCredit(t *testing.T) {
	agent := domain.Agent{
		ID:       uuid.New(),
		TGUserID: 42,
		Status:   domain.AgentStatusDisabledNoCredit,
		Profile:  domain.ChannelProfile{ContentDescription: "о go", PersonaDescription: "стиль"},
	}
	repo := newStubAgentRepo(agent)
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, &stubBotFactory{})

	got, err := service.Activate(context.Background(), 42, agent.ID)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got.Status != domain.AgentStatusActive {
		t.Fatalf("ожидали active, получили %s", got.Status)
	}
}

func TestGetForeignAgentHidden(t *testing.T) {
	agent := domain.Agent{ID: uuid.New(), TGUserID: 42, Status: domain.AgentStatusActive}
	repo := newStubAgentRepo(agent)
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, &stubBotFactory{})

	if _, err := service.Get(context.Background(), 99, agent.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("чужой агент должен выглядеть несуществующим, получили %v", err)
	}
}

func TestDeleteForeignAgentForbidden(t *testing.T) {
	agent := domain.Agent{ID: uuid.New(), TGUserID: 42, Status: domain.AgentStatusActive}
	repo := newStubAgentRepo(agent)
	service := newService(repo, newStubUserBotRepo(), &stubResolver{}, &stubBotFactory{})

	if err := service.Delete(context.Background(), 99, agent.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("ожидали ErrForbidden, получили %v", err)
	}
	if _, err := repo.GetByID(context.Background(), agent.ID); err != nil {
		t.Fatalf("агент не должен удаляться")
	}
}
