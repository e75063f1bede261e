package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// maxBodyBytes ограничивает размер выгружаемой страницы.
const maxBodyBytes = 2 << 20

// HTTP выгружает страницы и конвертирует их в markdown.
type HTTP struct {
	http      *http.Client
	converter *md.Converter
}

var _ domain.Scraper = (*HTTP)(nil)

// New создаёт скрейпер.
func New() *HTTP {
	return &HTTP{
		http:      &http.Client{Timeout: 30 * time.Second},
		converter: md.NewConverter("", true, nil),
	}
}

// Scrape возвращает содержимое страницы в markdown.
func (s *HTTP) Scrape(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("scraper: build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36")

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("scraper", "get", req.URL.Host, start, err)
		return "", fmt.Errorf("scraper: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("scraper: unexpected status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("scraper", "get", req.URL.Host, start, err)
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.ObserveNetworkRequest("scraper", "get", req.URL.Host, start, err)
	if err != nil {
		return "", fmt.Errorf("scraper: read body: %w", err)
	}

	markdown, err := s.converter.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("scraper: convert to markdown: %w", err)
	}
	return markdown, nil
}
