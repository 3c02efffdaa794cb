// Package llmgateway implements the LLM Gateway (spec §4.4): a stateless
// chat-completion client that classifies failures into transient vs
// permanent, retries transient ones with bounded exponential backoff, and
// refuses to hand back empty or unparseable content.
package llmgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-mem/memoryd/internal/errs"
)

// Message is one chat-completion turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Gateway is the chat-completion client, grounded on
// codeready-toolchain-tarsy's pkg/mcp/recovery.go + pkg/mcp/client.go
// transient/permanent classification and single-retry-with-jittered-backoff
// idiom, ported from MCP's JSON-RPC transport to plain HTTP and from a
// hand-rolled sleep to github.com/cenkalti/backoff/v4.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
}

// New builds a Gateway. requestTimeout bounds a single HTTP round trip;
// maxRetries bounds the number of retries after the initial attempt.
func New(baseURL, apiKey, model string, requestTimeout time.Duration, maxRetries int) *Gateway {
	return &Gateway{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		maxRetries: maxRetries,
	}
}

type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatCompletion implements spec §4.4's chat_completion(messages,
// response_schema_hint) -> parsed JSON value. schemaHint is folded into the
// final message as a plain instruction; the gateway has no template engine
// of its own, matching how the pack builds tool-call arguments inline rather
// than through a prompt-templating library.
func (g *Gateway) ChatCompletion(ctx context.Context, messages []Message, schemaHint string) (json.RawMessage, error) {
	if schemaHint != "" {
		messages = append(messages, Message{
			Role:    "system",
			Content: "Respond with a single JSON object matching this shape: " + schemaHint,
		})
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.RandomizationFactor = 0.3
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(g.maxRetries)), ctx)

	var result json.RawMessage
	op := func() error {
		content, err := g.doRequest(ctx, messages)
		if err != nil {
			if errs.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err // transient: let backoff retry
		}

		parsed, err := parseContent(content)
		if err != nil {
			// Schema parse failure after fence-stripping is permanent
			// (spec §4.4).
			return backoff.Permanent(errs.NewPermanent("llmgateway.parse", err))
		}
		result = parsed
		return nil
	}

	if err := backoff.Retry(op, bounded); err != nil {
		return nil, err
	}
	return result, nil
}

// doRequest executes one HTTP round trip and classifies the outcome.
func (g *Gateway) doRequest(ctx context.Context, messages []Message) (string, error) {
	reqBody := chatRequest{Model: g.model, Messages: messages}
	reqBody.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", errs.NewPermanent("llmgateway.marshal", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", errs.NewPermanent("llmgateway.request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		// Connection reset, timeout, etc. — network-level failures are
		// transient (spec §4.4).
		return "", errs.NewTransient("llmgateway.request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		respBody, _ := io.ReadAll(resp.Body)
		return "", errs.NewTransient("llmgateway.request", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", errs.NewPermanent("llmgateway.request", fmt.Errorf("status %d: %s", resp.StatusCode, respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errs.NewPermanent("llmgateway.decode", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errs.NewPermanent("llmgateway.decode", fmt.Errorf("no choices returned"))
	}

	content := parsed.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		// Refuse to succeed on empty content (spec §4.4).
		return "", errs.NewPermanent("llmgateway.empty_content", fmt.Errorf("model returned empty content"))
	}
	return content, nil
}

// parseContent strips markdown code fences (```json ... ``` or ``` ... ```)
// before unmarshaling, per spec §4.4.
func parseContent(content string) (json.RawMessage, error) {
	stripped := stripFences(content)
	if strings.TrimSpace(stripped) == "" {
		return nil, fmt.Errorf("content is empty after fence stripping")
	}

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(stripped), &raw); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return raw, nil
}

func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimPrefix(trimmed, "json")
	trimmed = strings.TrimPrefix(trimmed, "JSON")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
