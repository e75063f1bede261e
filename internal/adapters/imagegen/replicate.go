package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"viralink-backend/internal/domain"
	"viralink-backend/internal/infra/metrics"
)

const baseURL = "https://api.replicate.com/v1"

// Replicate генерирует изображения через синхронный режим Replicate API.
type Replicate struct {
	http   *http.Client
	apiKey string
	model  string
}

var _ domain.ImageGenerator = (*Replicate)(nil)

// New создаёт клиента Replicate. model в формате owner/name.
func New(apiKey, model string, timeout time.Duration) *Replicate {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Replicate{
		http:   &http.Client{Timeout: timeout + 5*time.Second},
		apiKey: apiKey,
		model:  model,
	}
}

type predictionRequest struct {
	Input predictionInput `json:"input"`
}

type predictionInput struct {
	Prompt string `json:"prompt"`
}

type predictionResponse struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Generate возвращает URL сгенерированного изображения.
func (r *Replicate) Generate(ctx context.Context, prompt string) (string, error) {
	if r.apiKey == "" {
		return "", fmt.Errorf("replicate: api key is empty")
	}
	body, err := json.Marshal(predictionRequest{Input: predictionInput{Prompt: prompt}})
	if err != nil {
		return "", fmt.Errorf("replicate: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s/predictions", baseURL, r.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	// ждать результат в рамках запроса, без опроса статуса
	req.Header.Set("Prefer", "wait=60")

	start := time.Now()
	resp, err := r.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("replicate", "prediction", r.model, start, err)
		return "", fmt.Errorf("replicate: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("replicate", "prediction", r.model, start, err)
		return "", fmt.Errorf("replicate: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		err = fmt.Errorf("replicate: unexpected status %d: %s", resp.StatusCode, respBody)
		metrics.ObserveNetworkRequest("replicate", "prediction", r.model, start, err)
		return "", err
	}

	var prediction predictionResponse
	if err := json.Unmarshal(respBody, &prediction); err != nil {
		metrics.ObserveNetworkRequest("replicate", "prediction", r.model, start, err)
		return "", fmt.Errorf("replicate: decode response: %w", err)
	}
	metrics.ObserveNetworkRequest("replicate", "prediction", r.model, start, nil)

	if prediction.Error != "" {
		return "", fmt.Errorf("replicate: %s", prediction.Error)
	}
	url, err := outputURL(prediction.Output)
	if err != nil {
		return "", err
	}
	return url, nil
}

// outputURL достаёт URL из output, который бывает строкой либо массивом строк.
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("replicate: empty output")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0], nil
	}
	return "", fmt.Errorf("replicate: unexpected output format: %s", raw)
}
