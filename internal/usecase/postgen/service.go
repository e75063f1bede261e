package postgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/openai"
)

// maxImageSourceLen — верхняя граница длины поста для генерации изображения.
const maxImageSourceLen = 1000

// maxToolResultLen ограничивает объём выгруженной страницы в диалоге с моделью.
const maxToolResultLen = 8000

// chatClient — минимальный срез клиента OpenAI, который нужен оркестратору.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// creditSpender выполняет функцию под резервом кредитов.
type creditSpender interface {
	Spend(ctx context.Context, tgUserID, amount int64, fn func(context.Context) error) error
}

// Costs — стоимость платных шагов в кредитах.
type Costs struct {
	PostGeneration  int64
	ImageGeneration int64
}

// Result — итог доработки поста.
type Result struct {
	// Text — доработанный текст поста. Пуст, если модель запросила публикацию.
	Text string
	// ImageURL заполнен, если к посту сгенерировано изображение.
	ImageURL string
	// Published означает терминальный вызов publish: пост публикуется как есть
	// через отдельное подтверждение.
	Published bool
}

// Service — оркестратор генерации постов: один раунд инструментов,
// затем финальный вывод модели.
type Service struct {
	llm      chatClient
	model    string
	search   domain.SearchProvider
	scraper  domain.Scraper
	imagegen domain.ImageGenerator
	agents   domain.AgentRepo
	credits  creditSpender
	costs    Costs
	log      zerolog.Logger
}

// NewService создаёт оркестратор.
func NewService(llm chatClient, model string, search domain.SearchProvider, scraper domain.Scraper, imagegen domain.ImageGenerator, agents domain.AgentRepo, credits creditSpender, costs Costs, log zerolog.Logger) *Service {
	return &Service{
		llm:      llm,
		model:    model,
		search:   search,
		scraper:  scraper,
		imagegen: imagegen,
		agents:   agents,
		credits:  credits,
		costs:    costs,
		log:      log,
	}
}

// Generate создаёт новый пост по запросу пользователя. Один кредит
// резервируется на всё окно генерации: сбой или падение процесса возвращает
// резерв, списание подтверждается только после успешного ответа модели.
func (s *Service) Generate(ctx context.Context, job domain.AgentJob) (string, error) {
	agent, err := s.activeAgent(ctx, job)
	if err != nil {
		return "", err
	}

	var post string
	err = s.credits.Spend(ctx, job.TGUserID, s.costs.PostGeneration, func(ctx context.Context) error {
		text, genErr := s.runGeneration(ctx, agent, job.Metadata.UserPrompt)
		if genErr != nil {
			return genErr
		}
		post = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return post, nil
}

func (s *Service) runGeneration(ctx context.Context, agent domain.Agent, userPrompt string) (string, error) {
	messages := []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: fmt.Sprintf(generationSystemPrompt, channelContext(agent))},
		{Role: openai.RoleUser, Content: userPrompt},
	}

	resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		Tools:    generationTools(),
	})
	if err != nil {
		return "", fmt.Errorf("запрос модели: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("модель не вернула вариантов ответа")
	}
	answer := resp.Choices[0].Message

	if len(answer.ToolCalls) == 0 {
		return SanitizeHTML(answer.Content), nil
	}

	// один раунд инструментов, затем финальный вывод без инструментов
	messages = append(messages, answer)
	for _, call := range answer.ToolCalls {
		invocation, err := parseToolCall(call)
		if err != nil {
			return "", err
		}
		output, err := s.runResearchTool(ctx, invocation)
		if err != nil {
			return "", err
		}
		messages = append(messages, openai.ChatMessage{
			Role:       openai.RoleTool,
			Content:    output,
			ToolCallID: call.ID,
		})
	}

	final, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("финальный запрос модели: %w", err)
	}
	if len(final.Choices) == 0 {
		return "", fmt.Errorf("модель не вернула вариантов ответа")
	}
	return SanitizeHTML(final.Choices[0].Message.Content), nil
}

func (s *Service) runResearchTool(ctx context.Context, invocation toolInvocation) (string, error) {
	switch call := invocation.(type) {
	case ContentProviderCall:
		return s.provideContent(ctx, call.Topic)
	case ScrapeCall:
		return s.scrapePage(ctx, call.URL)
	default:
		return "", fmt.Errorf("инструмент %T недоступен при генерации", invocation)
	}
}

// provideContent — цепочка: построение запроса, поиск, скрейп первого результата.
func (s *Service) provideContent(ctx context.Context, topic string) (string, error) {
	query, err := s.buildSearchQuery(ctx, topic)
	if err != nil {
		return "", err
	}
	results, err := s.search.Search(ctx, query)
	if err != nil {
		return "", fmt.Errorf("веб-поиск: %w", err)
	}
	if len(results) == 0 {
		return "по запросу ничего не найдено", nil
	}
	return s.scrapePage(ctx, results[0].Link)
}

func (s *Service) buildSearchQuery(ctx context.Context, topic string) (string, error) {
	resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleUser, Content: fmt.Sprintf(queryBuilderPrompt, topic)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", fmt.Errorf("построение поискового запроса: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("модель не вернула вариантов ответа")
	}
	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return "", fmt.Errorf("разбор поискового запроса: %w", err)
	}
	if strings.TrimSpace(parsed.Query) == "" {
		return "", fmt.Errorf("модель вернула пустой поисковый запрос")
	}
	return parsed.Query, nil
}

func (s *Service) scrapePage(ctx context.Context, pageURL string) (string, error) {
	content, err := s.scraper.Scrape(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("скрейп %s: %w", pageURL, err)
	}
	if utf8.RuneCountInString(content) > maxToolResultLen {
		runes := []rune(content)
		content = string(runes[:maxToolResultLen])
	}
	return content, nil
}

// Update дорабатывает существующий пост. Сама правка текста бесплатна,
// платным является только шаг генерации изображения.
func (s *Service) Update(ctx context.Context, job domain.AgentJob) (Result, error) {
	agent, err := s.activeAgent(ctx, job)
	if err != nil {
		return Result{}, err
	}

	messages := []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: fmt.Sprintf(updateSystemPrompt, channelContext(agent))},
		{Role: openai.RoleUser, Content: "Пост:\n" + job.Metadata.OriginalMessage},
		{Role: openai.RoleUser, Content: job.Metadata.UserPrompt},
	}

	resp, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		Tools:    updateTools(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("запрос модели: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("модель не вернула вариантов ответа")
	}
	answer := resp.Choices[0].Message

	if len(answer.ToolCalls) == 0 {
		return Result{Text: SanitizeHTML(answer.Content)}, nil
	}

	invocation, err := parseToolCall(answer.ToolCalls[0])
	if err != nil {
		return Result{}, err
	}
	switch call := invocation.(type) {
	case PublishCall:
		// терминальный инструмент: публикация идёт через отдельное подтверждение
		return Result{Published: true}, nil
	case ImageGeneratorCall:
		return s.updateWithImage(ctx, job, messages, answer, call)
	default:
		return Result{}, fmt.Errorf("инструмент %T недоступен при доработке", invocation)
	}
}

func (s *Service) updateWithImage(ctx context.Context, job domain.AgentJob, messages []openai.ChatMessage, answer openai.ChatMessage, call ImageGeneratorCall) (Result, error) {
	if utf8.RuneCountInString(job.Metadata.OriginalMessage) > maxImageSourceLen {
		return Result{}, domain.NewAppErrorCode(
			"сообщение слишком длинное для генерации изображения",
			domain.CodeMessageTooLongForImage,
		)
	}

	var imageURL string
	spendErr := s.credits.Spend(ctx, job.TGUserID, s.costs.ImageGeneration, func(ctx context.Context) error {
		url, genErr := s.imagegen.Generate(ctx, call.Prompt)
		if genErr != nil {
			return genErr
		}
		imageURL = url
		return nil
	})
	if spendErr != nil {
		if errors.Is(spendErr, domain.ErrInsufficientCredits) {
			return Result{}, spendErr
		}
		// сбой провайдера не роняет задачу: откат к посту без изображения
		s.log.Warn().Err(spendErr).
			Str("job_id", job.ID.String()).
			Msg("postgen: генерация изображения не удалась, продолжаем без него")
	}

	toolResult := "изображение сгенерировано"
	if imageURL == "" {
		toolResult = "изображение сгенерировать не удалось, продолжай без него"
	}
	messages = append(messages, answer, openai.ChatMessage{
		Role:       openai.RoleTool,
		Content:    toolResult,
		ToolCallID: answer.ToolCalls[0].ID,
	})

	final, err := s.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
	})
	if err != nil {
		return Result{}, fmt.Errorf("финальный запрос модели: %w", err)
	}
	if len(final.Choices) == 0 {
		return Result{}, fmt.Errorf("модель не вернула вариантов ответа")
	}
	return Result{Text: SanitizeHTML(final.Choices[0].Message.Content), ImageURL: imageURL}, nil
}

func (s *Service) activeAgent(ctx context.Context, job domain.AgentJob) (domain.Agent, error) {
	agent, err := s.agents.GetByID(ctx, job.AgentID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("агент задачи %s: %w", job.ID, err)
	}
	if agent.Status != domain.AgentStatusActive {
		return domain.Agent{}, &domain.InvalidStateTransitionError{
			Entity: "agent",
			From:   string(agent.Status),
			To:     string(domain.AgentStatusActive),
		}
	}
	return agent, nil
}
