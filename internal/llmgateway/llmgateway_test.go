package llmgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponseBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
	return string(body)
}

func TestChatCompletion_ParsesFencedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponseBody("```json\n{\"action\":\"SKIP\"}\n```")))
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", "model", 5*time.Second, 2)
	raw, err := gw.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "SKIP", decoded["action"])
}

func TestChatCompletion_EmptyContentIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatResponseBody("   ")))
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", "model", 5*time.Second, 0)
	_, err := gw.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.Error(t, err)
}

func TestChatCompletion_ClientErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", "model", 5*time.Second, 3)
	_, err := gw.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestChatCompletion_ServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(chatResponseBody(`{"action":"CREATE"}`)))
	}))
	defer srv.Close()

	gw := New(srv.URL, "key", "model", 5*time.Second, 5)
	raw, err := gw.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}}, "")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "CREATE")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
}
