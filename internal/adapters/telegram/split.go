package telegram

import "strings"

const messageLimit = 4096

// SplitMessage режет текст на части в пределах лимита Telegram на одно
// сообщение. Точка разрыва — перенос строки вне <pre> и <code>: посты
// уходят с parse_mode HTML, и разрыв внутри моноширинного блока ломает
// разметку обеих половин. Без подходящего переноса блок режется по любому
// переносу, в крайнем случае — жёстко по лимиту.
func SplitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= messageLimit {
		return []string{trimmed}
	}
	mono := monospaceMask(runes)

	var parts []string
	for start := 0; start < len(runes); {
		if len(runes)-start <= messageLimit {
			appendChunk(&parts, runes[start:])
			break
		}

		split := breakBefore(runes, mono, start, start+messageLimit)
		appendChunk(&parts, runes[start:split])

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}
	return parts
}

// breakBefore выбирает точку разрыва не дальше end. Приоритет: перенос
// строки вне моноширинного блока, затем любой перенос, затем сам end.
func breakBefore(runes []rune, mono []bool, start, end int) int {
	fallback := -1
	for i := end; i > start; i-- {
		if runes[i-1] != '\n' {
			continue
		}
		if !mono[i-1] {
			return i
		}
		if fallback == -1 {
			fallback = i
		}
	}
	if fallback != -1 {
		return fallback
	}
	return end
}

// monospaceMask помечает руны, попадающие в <pre> или <code>, включая сами
// теги. Вложенность (pre > code) учитывается счётчиком глубины; незакрытый
// тег маскирует текст до конца.
func monospaceMask(runes []rune) []bool {
	mask := make([]bool, len(runes))
	depth := 0
	for i := 0; i < len(runes); {
		if runes[i] != '<' {
			mask[i] = depth > 0
			i++
			continue
		}

		end := i
		for end < len(runes) && runes[end] != '>' {
			end++
		}
		if end == len(runes) {
			mask[i] = depth > 0
			i++
			continue
		}

		name := strings.ToLower(strings.TrimSpace(string(runes[i+1 : end])))
		closing := strings.HasPrefix(name, "/")
		name = strings.TrimPrefix(name, "/")
		if cut := strings.IndexAny(name, " \t"); cut >= 0 {
			name = name[:cut]
		}

		if name == "pre" || name == "code" {
			if !closing {
				depth++
			}
			for j := i; j <= end; j++ {
				mask[j] = true
			}
			if closing && depth > 0 {
				depth--
			}
		} else {
			for j := i; j <= end; j++ {
				mask[j] = depth > 0
			}
		}
		i = end + 1
	}
	return mask
}

func appendChunk(parts *[]string, runes []rune) {
	chunk := strings.Trim(string(runes), "\n")
	if chunk != "" {
		*parts = append(*parts, chunk)
	}
}
