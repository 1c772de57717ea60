// enhance/client_test.go
package enhance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ViniZap4/lumi-ideas/domain"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL + "/"}), &hits
}

func TestShortContentIsRejectedLocally(t *testing.T) {
	c, hits := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	for _, content := range []string{"", "   \n ", "12345", "  123456789  "} {
		_, err := c.Enhance(context.Background(), Request{Title: "t", Content: content})
		require.Error(t, err, content)
		var ee *domain.EnhancementError
		require.True(t, errors.As(err, &ee))
		assert.ErrorIs(t, err, domain.ErrValidationSkip)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestValidateMessages(t *testing.T) {
	assert.EqualError(t, Validate(" "), "content cannot be empty: nothing to process")
	assert.EqualError(t, Validate("short"), "content is too short to enhance: nothing to process")
	assert.NoError(t, Validate("1234567890"))
	// Runes, not bytes.
	assert.Error(t, Validate("ñññññ"))
}

func TestEnhanceSendsChatCompletion(t *testing.T) {
	var got chatRequest
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  # Better idea\n\nDetails  "}}]}`))
	})

	res, err := c.Enhance(context.Background(), Request{Title: "", Content: "a rough idea worth expanding"})
	require.NoError(t, err)
	assert.Equal(t, Result{
		EnhancedContent: "# Better idea\n\nDetails",
		OriginalContent: "a rough idea worth expanding",
		OriginalTitle:   "",
	}, res)

	assert.Equal(t, DefaultModel, got.Model)
	assert.Equal(t, 1500, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[1].Content, "Original title: Untitled")
	assert.Contains(t, got.Messages[1].Content, "a rough idea worth expanding")
}

func TestEmptyCompletionIsAnError(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"   "}}]}`))
	})
	_, err := c.Enhance(context.Background(), Request{Content: "long enough content"})
	var ee *domain.EnhancementError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "could not generate enhanced content", ee.Message)
	assert.NotErrorIs(t, err, domain.ErrValidationSkip)
}

func TestUpstreamErrorIsWrapped(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	})
	_, err := c.Enhance(context.Background(), Request{Content: "long enough content"})
	var ee *domain.EnhancementError
	require.True(t, errors.As(err, &ee))
	assert.Contains(t, err.Error(), "Incorrect API key provided")
	assert.Contains(t, err.Error(), "401")
}

func TestMissingAPIKey(t *testing.T) {
	c := New(Config{})
	_, err := c.Enhance(context.Background(), Request{Content: "long enough content"})
	var ee *domain.EnhancementError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "enhancement is not configured", err.Error())
}

func TestCancelledContext(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Enhance(ctx, Request{Content: "long enough content"})
	assert.ErrorIs(t, err, context.Canceled)
}
