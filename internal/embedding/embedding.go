// Package embedding implements the Embedding Service (spec §4.2): produces
// unit-norm 1024-dim dense vectors from text via an HTTP embeddings
// endpoint, validating every vector before it leaves the package.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
)

// Service embeds single texts and batches, grounded on
// intelligencedev-manifold's internal/embeddings/embeddings.go HTTP client
// shape (OpenAI-compatible /embeddings request/response).
type Service struct {
	httpClient *http.Client
	host       string
	apiKey     string
	model      string
	disabled   bool
}

// New builds a Service. When disabled is true, Embed/EmbedBatch always
// return errs.ErrEmbeddingDisabled without making a network call (spec §4.2:
// "may be globally disabled via configuration").
func New(host, apiKey, modelName string, disabled bool) *Service {
	return &Service{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		host:       host,
		apiKey:     apiKey,
		model:      modelName,
		disabled:   disabled,
	}
}

type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
}

type embeddingDatum struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type embeddingResponse struct {
	Data []embeddingDatum `json:"data"`
}

// Embed produces one validated vector for text. The call is made on the
// calling goroutine; spec §4.2 says callers offload to a blocking executor —
// in Go that means calling this from its own goroutine, not that Embed
// itself spawns one.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch produces one validated vector per input text, in order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s.disabled {
		return nil, errs.ErrEmbeddingDisabled
	}
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(embeddingRequest{
		Input:          texts,
		Model:          s.model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.host, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errs.NewTransient("embedding.request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return nil, errs.NewTransient("embedding.request", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, errs.NewPermanent("embedding.request", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.NewPermanent("embedding.parse", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, errs.NewPermanent("embedding.parse", fmt.Errorf("expected %d vectors, got %d", len(texts), len(parsed.Data)))
	}

	out := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, errs.NewPermanent("embedding.parse", fmt.Errorf("index %d out of range", d.Index))
		}
		if err := model.ValidateEmbeddingVector(d.Embedding); err != nil {
			return nil, errs.NewValidationError("embedding", err.Error())
		}
		out[d.Index] = d.Embedding
	}

	return out, nil
}
