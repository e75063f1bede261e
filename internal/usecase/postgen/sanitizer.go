package postgen

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// allowedTags — инлайновые теги, которые Telegram принимает в HTML-разметке.
var allowedTags = map[atom.Atom]bool{
	atom.A:    true,
	atom.B:    true,
	atom.I:    true,
	atom.Pre:  true,
	atom.U:    true,
	atom.S:    true,
	atom.Code: true,
}

// dropBodyTags — теги, содержимое которых не является текстом поста.
var dropBodyTags = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
}

// SanitizeHTML оставляет только разрешённые инлайновые теги. Прочие теги
// разворачиваются: сам тег удаляется, текст внутри сохраняется. Содержимое
// script и style выбрасывается целиком.
func SanitizeHTML(input string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(input))
	var out strings.Builder
	dropDepth := 0

	for {
		tokenType := tokenizer.Next()
		switch tokenType {
		case html.ErrorToken:
			return out.String()
		case html.TextToken:
			if dropDepth == 0 {
				out.Write(tokenizer.Text())
			}
		case html.StartTagToken:
			token := tokenizer.Token()
			if dropBodyTags[token.DataAtom] {
				dropDepth++
				continue
			}
			if dropDepth == 0 && allowedTags[token.DataAtom] {
				out.WriteString(renderStartTag(token))
			}
		case html.EndTagToken:
			token := tokenizer.Token()
			if dropBodyTags[token.DataAtom] {
				if dropDepth > 0 {
					dropDepth--
				}
				continue
			}
			if dropDepth == 0 && allowedTags[token.DataAtom] {
				out.WriteString("</" + token.Data + ">")
			}
		case html.SelfClosingTagToken:
			// самозакрывающиеся теги (br, img) текста не несут
		}
	}
}

func renderStartTag(token html.Token) string {
	if token.DataAtom != atom.A {
		return "<" + token.Data + ">"
	}
	// у ссылок сохраняем только href
	for _, attr := range token.Attr {
		if attr.Key == "href" {
			var b strings.Builder
			b.WriteString(`<a href="`)
			b.WriteString(html.EscapeString(attr.Val))
			b.WriteString(`">`)
			return b.String()
		}
	}
	return "<a>"
}
