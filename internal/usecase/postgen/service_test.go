package postgen

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/openai"
)

type scriptedLLM struct {
	responses []openai.ChatCompletionResponse
	requests  []openai.ChatCompletionRequest
}

func (s *scriptedLLM) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("сценарий ответов исчерпан")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatMessage{Role: openai.RoleAssistant, Content: content}},
	}}
}

func toolCallResponse(name, arguments string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatMessage{
			Role: openai.RoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call-1",
				Type:     "function",
				Function: openai.ToolCallFunction{Name: name, Arguments: arguments},
			}},
		}},
	}}
}

type stubSpender struct {
	err      error
	amounts  []int64
	released int
}

func (s *stubSpender) Spend(ctx context.Context, _ int64, amount int64, fn func(context.Context) error) error {
	if s.err != nil {
		return s.err
	}
	s.amounts = append(s.amounts, amount)
	if err := fn(ctx); err != nil {
		s.released++
		return err
	}
	return nil
}

type stubAgentSource struct {
	agent domain.Agent
}

func (s *stubAgentSource) Create(_ context.Context, a domain.Agent) (domain.Agent, error) {
	return a, nil
}
func (s *stubAgentSource) GetByID(context.Context, uuid.UUID) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentSource) GetForChannel(context.Context, int64, int64) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentSource) ListByUser(context.Context, int64) ([]domain.Agent, error) {
	return nil, nil
}
func (s *stubAgentSource) UpdateStatus(context.Context, uuid.UUID, domain.AgentStatus, ...domain.AgentStatus) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentSource) AttachBot(context.Context, uuid.UUID, uuid.UUID) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentSource) SaveChannelState(context.Context, uuid.UUID, domain.ChannelMetadata, domain.BotPermissions) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentSource) UpdateProfile(context.Context, uuid.UUID, domain.ChannelProfile) (domain.Agent, error) {
	return s.agent, nil
}
func (s *stubAgentSource) SetProfileGenerated(context.Context, uuid.UUID, string) error { return nil }
func (s *stubAgentSource) SaveStatusError(context.Context, uuid.UUID, domain.StatusError) error {
	return nil
}
func (s *stubAgentSource) SoftDelete(context.Context, uuid.UUID) error { return nil }

type stubSearch struct {
	results []domain.SearchResult
	queries []string
}

func (s *stubSearch) Search(_ context.Context, query string) ([]domain.SearchResult, error) {
	s.queries = append(s.queries, query)
	return s.results, nil
}

type stubScraper struct {
	content string
	urls    []string
}

func (s *stubScraper) Scrape(_ context.Context, url string) (string, error) {
	s.urls = append(s.urls, url)
	return s.content, nil
}

type stubImageGen struct {
	url string
	err error
}

func (s *stubImageGen) Generate(context.Context, string) (string, error) {
	return s.url, s.err
}

func testAgent() domain.Agent {
	return domain.Agent{
		ID:            uuid.New(),
		TGUserID:      42,
		ChannelHandle: "mychannel",
		Status:        domain.AgentStatusActive,
		Profile: domain.ChannelProfile{
			ContentDescription: "новости go",
			PersonaDescription: "от первого лица",
		},
	}
}

func newTestService(llm *scriptedLLM, spender *stubSpender, agent domain.Agent, search *stubSearch, scraper *stubScraper, imagegen *stubImageGen) *Service {
	if search == nil {
		search = &stubSearch{}
	}
	if scraper == nil {
		scraper = &stubScraper{}
	}
	if imagegen == nil {
		imagegen = &stubImageGen{}
	}
	return NewService(llm, "test-model", search, scraper, imagegen, &stubAgentSource{agent: agent}, spender,
		Costs{PostGeneration: 1, ImageGeneration: 2}, zerolog.Nop())
}

func generationJob(prompt string) domain.AgentJob {
	return domain.AgentJob{
		ID:       uuid.New(),
		TGUserID: 42,
		Type:     domain.AgentJobTypePostGeneration,
		Metadata: domain.AgentJobMetadata{UserPrompt: prompt, FromChatID: 42},
	}
}

func updateJob(original, prompt string) domain.AgentJob {
	return domain.AgentJob{
		ID:       uuid.New(),
		TGUserID: 42,
		Type:     domain.AgentJobTypePostUpdate,
		Metadata: domain.AgentJobMetadata{OriginalMessage: original, UserPrompt: prompt, FromChatID: 42},
	}
}

func TestGenerateWithoutTools(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		textResponse("<div><b>Пост</b></div>"),
	}}
	spender := &stubSpender{}
	service := newTestService(llm, spender, testAgent(), nil, nil, nil)

	post, err := service.Generate(context.Background(), generationJob("пост про go"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if post != "<b>Пост</b>" {
		t.Fatalf("ожидали санитизированный пост, получили %q", post)
	}
	if len(spender.amounts) != 1 || spender.amounts[0] != 1 {
		t.Fatalf("ожидали резерв одного кредита, получили %v", spender.amounts)
	}
	if len(llm.requests[0].Tools) == 0 {
		t.Fatalf("первый запрос должен предлагать инструменты")
	}
}

func TestGenerateWithContentProvider(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		toolCallResponse("content_provider", `{"topic":"релиз go"}`),
		textResponse(`{"query":"golang release notes"}`),
		textResponse("готовый пост"),
	}}
	spender := &stubSpender{}
	search := &stubSearch{results: []domain.SearchResult{{Title: "Go", Link: "https://go.dev/blog"}}}
	scraper := &stubScraper{content: "материал страницы"}
	service := newTestService(llm, spender, testAgent(), search, scraper, nil)

	post, err := service.Generate(context.Background(), generationJob("пост про релиз go"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if post != "готовый пост" {
		t.Fatalf("ожидали финальный пост, получили %q", post)
	}
	if len(search.queries) != 1 || search.queries[0] != "golang release notes" {
		t.Fatalf("ожидали поисковый запрос от модели, получили %v", search.queries)
	}
	if len(scraper.urls) != 1 || scraper.urls[0] != "https://go.dev/blog" {
		t.Fatalf("ожидали скрейп первого результата, получили %v", scraper.urls)
	}

	final := llm.requests[len(llm.requests)-1]
	if len(final.Tools) != 0 {
		t.Fatalf("финальный запрос должен идти без инструментов")
	}
	var hasToolMessage bool
	for _, msg := range final.Messages {
		if msg.Role == openai.RoleTool && msg.Content == "материал страницы" {
			hasToolMessage = true
		}
	}
	if !hasToolMessage {
		t.Fatalf("результат инструмента должен попасть в диалог")
	}
}

func TestGenerateRequiresActiveAgent(t *testing.T) {
	agent := testAgent()
	agent.Status = domain.AgentStatusDisabled
	spender := &stubSpender{}
	service := newTestService(&scriptedLLM{}, spender, agent, nil, nil, nil)

	var transition *domain.InvalidStateTransitionError
	if _, err := service.Generate(context.Background(), generationJob("пост")); !errors.As(err, &transition) {
		t.Fatalf("ожидали ошибку перехода, получили %v", err)
	}
	if len(spender.amounts) != 0 {
		t.Fatalf("кредиты не должны резервироваться для неактивного агента")
	}
}

func TestUpdateReturnsEditedText(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		textResponse("<p>короче</p>"),
	}}
	service := newTestService(llm, &stubSpender{}, testAgent(), nil, nil, nil)

	res, err := service.Update(context.Background(), updateJob("исходный пост", "сделай короче"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Text != "короче" || res.Published || res.ImageURL != "" {
		t.Fatalf("ожидали только доработанный текст, получили %+v", res)
	}
}

func TestUpdatePublishIsTerminal(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		toolCallResponse("publish", `{}`),
	}}
	spender := &stubSpender{}
	service := newTestService(llm, spender, testAgent(), nil, nil, nil)

	res, err := service.Update(context.Background(), updateJob("исходный пост", "опубликуй как есть"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.Published || res.Text != "" {
		t.Fatalf("ожидали терминальную публикацию, получили %+v", res)
	}
	if len(llm.requests) != 1 {
		t.Fatalf("после publish не должно быть финального запроса")
	}
	if len(spender.amounts) != 0 {
		t.Fatalf("доработка текста бесплатна")
	}
}

func TestUpdateImageRejectsLongPost(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		toolCallResponse("image_generator", `{"prompt":"cat"}`),
	}}
	spender := &stubSpender{}
	service := newTestService(llm, spender, testAgent(), nil, nil, nil)

	long := strings.Repeat("а", 1001)
	_, err := service.Update(context.Background(), updateJob(long, "добавь картинку"))
	code, ok := domain.AppErrorCode(err)
	if !ok || code != domain.CodeMessageTooLongForImage {
		t.Fatalf("ожидали код %d, получили %v", domain.CodeMessageTooLongForImage, err)
	}
	if len(spender.amounts) != 0 {
		t.Fatalf("кредиты не должны резервироваться при отказе по длине")
	}
}

func TestUpdateWithImage(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		toolCallResponse("image_generator", `{"prompt":"cat"}`),
		textResponse("пост с картинкой"),
	}}
	spender := &stubSpender{}
	imagegen := &stubImageGen{url: "https://img.example/cat.png"}
	service := newTestService(llm, spender, testAgent(), nil, nil, imagegen)

	res, err := service.Update(context.Background(), updateJob("исходный пост", "добавь картинку"))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.ImageURL != "https://img.example/cat.png" {
		t.Fatalf("ожидали ссылку на изображение, получили %q", res.ImageURL)
	}
	if res.Text != "пост с картинкой" {
		t.Fatalf("ожидали финальный текст, получили %q", res.Text)
	}
	if len(spender.amounts) != 1 || spender.amounts[0] != 2 {
		t.Fatalf("ожидали резерв двух кредитов, получили %v", spender.amounts)
	}
}

func TestUpdateImageProviderFailureFallsBackToText(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		toolCallResponse("image_generator", `{"prompt":"cat"}`),
		textResponse("пост без картинки"),
	}}
	spender := &stubSpender{}
	imagegen := &stubImageGen{err: errors.New("провайдер недоступен")}
	service := newTestService(llm, spender, testAgent(), nil, nil, imagegen)

	res, err := service.Update(context.Background(), updateJob("исходный пост", "добавь картинку"))
	if err != nil {
		t.Fatalf("сбой провайдера не должен ронять задачу: %v", err)
	}
	if res.ImageURL != "" {
		t.Fatalf("ссылки быть не должно, получили %q", res.ImageURL)
	}
	if res.Text != "пост без картинки" {
		t.Fatalf("ожидали текстовый откат, получили %q", res.Text)
	}
	if spender.released != 1 {
		t.Fatalf("резерв должен вернуться при сбое провайдера")
	}
}

func TestUpdateInsufficientCreditsPropagates(t *testing.T) {
	llm := &scriptedLLM{responses: []openai.ChatCompletionResponse{
		toolCallResponse("image_generator", `{"prompt":"cat"}`),
	}}
	spender := &stubSpender{err: domain.ErrInsufficientCredits}
	service := newTestService(llm, spender, testAgent(), nil, nil, nil)

	_, err := service.Update(context.Background(), updateJob("исходный пост", "добавь картинку"))
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("ожидали ErrInsufficientCredits, получили %v", err)
	}
}
