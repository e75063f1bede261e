package postgen

import (
	"encoding/json"
	"fmt"

	"viralink-backend/internal/infra/openai"
)

// Имена инструментов, которые видит модель.
const (
	toolContentProvider = "content_provider"
	toolWebPageScraper  = "web_page_scraper"
	toolImageGenerator  = "image_generator"
	toolPublish         = "publish"
)

// toolInvocation — типизированный запрос модели на вызов инструмента.
type toolInvocation interface {
	isToolInvocation()
}

// ContentProviderCall — поиск материала по теме: построение запроса,
// веб-поиск, скрейп первого результата.
type ContentProviderCall struct {
	Topic string
}

// ScrapeCall — выгрузка конкретной страницы.
type ScrapeCall struct {
	URL string
}

// ImageGeneratorCall — генерация изображения к посту.
type ImageGeneratorCall struct {
	Prompt string
}

// PublishCall — терминальный запрос на публикацию поста как есть.
type PublishCall struct{}

func (ContentProviderCall) isToolInvocation() {}
func (ScrapeCall) isToolInvocation()          {}
func (ImageGeneratorCall) isToolInvocation()  {}
func (PublishCall) isToolInvocation()         {}

// parseToolCall декодирует запрос модели в типизированный вызов.
func parseToolCall(call openai.ToolCall) (toolInvocation, error) {
	args := []byte(call.Function.Arguments)
	switch call.Function.Name {
	case toolContentProvider:
		var parsed struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("аргументы %s: %w", toolContentProvider, err)
		}
		return ContentProviderCall{Topic: parsed.Topic}, nil
	case toolWebPageScraper:
		var parsed struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("аргументы %s: %w", toolWebPageScraper, err)
		}
		return ScrapeCall{URL: parsed.URL}, nil
	case toolImageGenerator:
		var parsed struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, fmt.Errorf("аргументы %s: %w", toolImageGenerator, err)
		}
		return ImageGeneratorCall{Prompt: parsed.Prompt}, nil
	case toolPublish:
		return PublishCall{}, nil
	default:
		return nil, fmt.Errorf("неизвестный инструмент %q", call.Function.Name)
	}
}

// generationTools — инструменты генерации нового поста.
func generationTools() []openai.Tool {
	return []openai.Tool{
		openai.NewFunctionTool(
			toolContentProvider,
			"Находит свежий материал по теме: подбирает поисковый запрос, ищет в вебе и возвращает содержимое первой найденной страницы в markdown.",
			json.RawMessage(`{"type":"object","properties":{"topic":{"type":"string","description":"Тема, по которой нужен материал"}},"required":["topic"]}`),
		),
		openai.NewFunctionTool(
			toolWebPageScraper,
			"Выгружает указанную веб-страницу и возвращает её содержимое в markdown.",
			json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"Адрес страницы"}},"required":["url"]}`),
		),
	}
}

// updateTools — инструменты доработки существующего поста.
func updateTools() []openai.Tool {
	return []openai.Tool{
		openai.NewFunctionTool(
			toolPublish,
			"Публикует пост без изменений. Вызывай, если пользователь просит опубликовать пост как есть.",
			json.RawMessage(`{"type":"object","properties":{}}`),
		),
		openai.NewFunctionTool(
			toolImageGenerator,
			"Генерирует изображение к посту по текстовому описанию.",
			json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"Описание изображения на английском"}},"required":["prompt"]}`),
		),
	}
}
