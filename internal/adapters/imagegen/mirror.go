package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

// Ссылки провайдера живут недолго, поэтому изображение переливается в
// объектное хранилище, а наружу отдаётся подписанная ссылка.

const (
	maxImageBytes = 20 << 20
	presignExpiry = 7 * 24 * time.Hour
)

// Mirror оборачивает генератор изображений и сохраняет результат в хранилище.
type Mirror struct {
	inner domain.ImageGenerator
	store domain.ObjectStorage
	http  *http.Client
	log   zerolog.Logger
}

var _ domain.ImageGenerator = (*Mirror)(nil)

// NewMirror создаёт зеркалирующий генератор.
func NewMirror(inner domain.ImageGenerator, store domain.ObjectStorage, log zerolog.Logger) *Mirror {
	return &Mirror{
		inner: inner,
		store: store,
		http:  &http.Client{Timeout: 60 * time.Second},
		log:   log,
	}
}

// Generate генерирует изображение и возвращает долгоживущую ссылку.
// При сбое зеркалирования возвращается исходная ссылка провайдера.
func (m *Mirror) Generate(ctx context.Context, prompt string) (string, error) {
	sourceURL, err := m.inner.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	mirrored, err := m.mirror(ctx, sourceURL)
	if err != nil {
		m.log.Warn().Err(err).Msg("imagegen: не удалось зеркалировать изображение")
		return sourceURL, nil
	}
	return mirrored, nil
}

func (m *Mirror) mirror(ctx context.Context, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("imagegen: build request: %w", err)
	}
	start := time.Now()
	resp, err := m.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("imagegen", "download", "image", start, err)
		return "", fmt.Errorf("imagegen: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("imagegen: download status %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("imagegen", "download", "image", start, err)
		return "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	metrics.ObserveNetworkRequest("imagegen", "download", "image", start, err)
	if err != nil {
		return "", fmt.Errorf("imagegen: read image: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	key := "generated/" + uuid.NewString()
	if err := m.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), contentType); err != nil {
		return "", err
	}
	return m.store.PresignGet(ctx, key, presignExpiry)
}
