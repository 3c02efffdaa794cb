package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/model"
)

func unitVector() []float32 {
	v := make([]float32, model.EmbeddingDimension)
	v[0] = 1.0
	return v
}

func TestEmbed_ReturnsValidatedVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": unitVector(), "index": 0}},
		})
	}))
	defer srv.Close()

	svc := New(srv.URL, "key", "model", false)
	vec, err := svc.Embed(context.Background(), "hello")

	require.NoError(t, err)
	assert.Len(t, vec, model.EmbeddingDimension)
}

func TestEmbed_DisabledReturnsTypedError(t *testing.T) {
	svc := New("", "", "", true)
	_, err := svc.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, errs.ErrEmbeddingDisabled)
}

func TestEmbedBatch_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := New(srv.URL, "key", "model", false)
	_, err := svc.EmbedBatch(context.Background(), []string{"a"})

	assert.True(t, errs.IsTransient(err))
}

func TestEmbedBatch_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := New(srv.URL, "key", "model", false)
	_, err := svc.EmbedBatch(context.Background(), []string{"a"})

	assert.True(t, errs.IsPermanent(err))
}

func TestEmbedBatch_RejectsZeroVector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bad := make([]float32, model.EmbeddingDimension)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": bad, "index": 0}},
		})
	}))
	defer srv.Close()

	svc := New(srv.URL, "key", "model", false)
	_, err := svc.EmbedBatch(context.Background(), []string{"a"})

	assert.True(t, errs.IsValidationError(err))
}
