package postgen

import (
	"fmt"
	"strings"

	"viralink-backend/internal/domain"
)

const generationSystemPrompt = `Ты редактор Telegram-канала. Пиши посты от лица канала, точно выдерживая его тематику и голос.

%s

Правила:
- Отвечай только текстом готового поста, без пояснений.
- Разметка: HTML с тегами a, b, i, pre, u, s, code. Другие теги запрещены.
- Если не хватает фактуры, используй доступные инструменты, чтобы найти материал.`

const updateSystemPrompt = `Ты редактор Telegram-канала. Пользователь прислал существующий пост и просит его доработать либо опубликовать.

%s

Правила:
- Если пользователь просит опубликовать пост без изменений, вызови инструмент publish.
- Если пользователь просит картинку, вызови инструмент image_generator.
- Иначе верни доработанный текст поста без пояснений.
- Разметка: HTML с тегами a, b, i, pre, u, s, code. Другие теги запрещены.`

const queryBuilderPrompt = `Построй короткий поисковый запрос для веб-поиска по теме ниже. Ответь JSON-объектом вида {"query": "..."} без других полей.

Тема: %s`

// channelContext собирает описание канала для системного промпта.
func channelContext(agent domain.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Канал: %s (@%s)\n", agent.ChannelMeta.Title, agent.ChannelHandle)
	if agent.Profile.ContentDescription != "" {
		fmt.Fprintf(&b, "О чём канал: %s\n", agent.Profile.ContentDescription)
	}
	if agent.Profile.PersonaDescription != "" {
		fmt.Fprintf(&b, "Голос и стиль: %s\n", agent.Profile.PersonaDescription)
	}
	if agent.ProfileGenerated != "" {
		fmt.Fprintf(&b, "Сводка по опубликованным постам: %s\n", agent.ProfileGenerated)
	}
	return strings.TrimRight(b.String(), "\n")
}
