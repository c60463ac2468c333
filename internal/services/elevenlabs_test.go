package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElevenLabsGenerateSpeech(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	s := NewElevenLabsService("key", "", nil).WithBaseURL(srv.URL)

	resp, err := s.GenerateSpeech(context.Background(), "hello", "onyx")
	require.NoError(t, err)
	assert.Equal(t, "audio", string(resp.AudioData))
	assert.Equal(t, "/v1/text-to-speech/"+elevenLabsDefaultVoice, gotPath, "openai voice names are not voice ids")
	assert.Equal(t, "key", gotKey)

	_, err = s.GenerateSpeech(context.Background(), "hello", "customVoice123")
	require.NoError(t, err)
	assert.Equal(t, "/v1/text-to-speech/customVoice123", gotPath)
}

func TestElevenLabsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewElevenLabsService("key", "voice", nil).WithBaseURL(srv.URL)
	_, err := s.GenerateSpeech(context.Background(), "hello", "")
	assert.ErrorContains(t, err, "status 429")
}
