package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

const htmlEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo реализует веб-поиск через HTML-выдачу DuckDuckGo.
type DuckDuckGo struct {
	http *http.Client
}

var _ domain.SearchProvider = (*DuckDuckGo)(nil)

// NewDuckDuckGo создаёт провайдера поиска.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{http: &http.Client{Timeout: 20 * time.Second}}
}

// Search возвращает результаты выдачи по запросу.
func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]domain.SearchResult, error) {
	endpoint := htmlEndpoint + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("duckduckgo", "search", "html", start, err)
		return nil, fmt.Errorf("duckduckgo: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("duckduckgo: unexpected status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("duckduckgo", "search", "html", start, err)
		return nil, err
	}

	doc, err := html.Parse(resp.Body)
	metrics.ObserveNetworkRequest("duckduckgo", "search", "html", start, err)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse response: %w", err)
	}
	return parseResults(doc), nil
}

// parseResults собирает ссылки выдачи: якоря с классом result__a.
func parseResults(doc *html.Node) []domain.SearchResult {
	var results []domain.SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A && hasClass(n, "result__a") {
			link := cleanLink(attr(n, "href"))
			title := strings.TrimSpace(nodeText(n))
			if link != "" && title != "" {
				results = append(results, domain.SearchResult{Title: title, Link: link})
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return results
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

// cleanLink разворачивает редирект DuckDuckGo (/l/?uddg=...) в прямой URL.
func cleanLink(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if target := parsed.Query().Get("uddg"); target != "" {
		if decoded, err := url.QueryUnescape(target); err == nil {
			return decoded
		}
	}
	if parsed.Scheme == "" {
		return "https:" + raw
	}
	return raw
}
