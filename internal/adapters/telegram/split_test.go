package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShortPost(t *testing.T) {
	post := "<b>Как растить канал</b>\n\nПроверяйте гипотезы и смотрите на отклик."
	parts := SplitMessage(post)
	if len(parts) != 1 {
		t.Fatalf("ожидали одну часть, получили %d", len(parts))
	}
	if parts[0] != post {
		t.Fatalf("короткий пост должен вернуться как есть, получили %q", parts[0])
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := SplitMessage("   \n  "); len(parts) != 0 {
		t.Fatalf("пустой текст не даёт частей, получили %d", len(parts))
	}
}

func TestSplitMessageBreaksBetweenParagraphs(t *testing.T) {
	var post strings.Builder
	post.WriteString("<b>Разбор недели</b>\n")
	post.WriteString(strings.Repeat("а", 3000))
	post.WriteString("\n\n")
	post.WriteString(strings.Repeat("б", 2000))

	parts := SplitMessage(post.String())
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > messageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, length)
		}
	}
	if !strings.HasPrefix(parts[0], "<b>Разбор недели</b>") {
		t.Fatalf("заголовок должен остаться в первой части")
	}
	if parts[1] != strings.Repeat("б", 2000) {
		t.Fatalf("второй абзац должен уйти целиком во вторую часть")
	}
}

func TestSplitMessageKeepsCodeBlockIntact(t *testing.T) {
	var post strings.Builder
	for i := 0; i < 60; i++ {
		post.WriteString(strings.Repeat("т", 59))
		post.WriteString("\n")
	}
	post.WriteString("\n<pre>\n")
	for i := 0; i < 30; i++ {
		post.WriteString(strings.Repeat("x", 29))
		post.WriteString("\n")
	}
	post.WriteString("</pre>\n")
	post.WriteString(strings.Repeat("я", 400))

	parts := SplitMessage(post.String())
	if len(parts) < 2 {
		t.Fatalf("пост длиннее лимита должен разбиться, получили %d частей", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > messageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, length)
		}
		if strings.Count(part, "<pre>") != strings.Count(part, "</pre>") {
			t.Fatalf("часть %d разрывает <pre>-блок: %q", i, part)
		}
	}
	var withBlock string
	for _, part := range parts {
		if strings.Contains(part, "<pre>") {
			withBlock = part
		}
	}
	if withBlock == "" {
		t.Fatalf("блок кода потерян при разбиении")
	}
	if !strings.Contains(withBlock, "</pre>") {
		t.Fatalf("блок кода должен закрыться в той же части")
	}
}

func TestSplitMessageOversizedCodeBlockStillSplits(t *testing.T) {
	var post strings.Builder
	post.WriteString("<pre>\n")
	for i := 0; i < 120; i++ {
		post.WriteString(strings.Repeat("x", 49))
		post.WriteString("\n")
	}
	post.WriteString("</pre>")

	parts := SplitMessage(post.String())
	if len(parts) < 2 {
		t.Fatalf("блок длиннее лимита обязан разбиться, получили %d частей", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > messageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, length)
		}
	}
}
