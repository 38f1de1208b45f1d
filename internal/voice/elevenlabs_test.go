package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchengine/internal/domain"
)

func newTestClient(baseURL string) *ElevenLabs {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewElevenLabs(ElevenLabsConfig{APIKey: "xi-key", BaseURL: baseURL}, logger)
}

func TestElevenLabs_Synthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "xi-key", r.Header.Get("xi-api-key"))
		assert.Equal(t, "audio/mpeg", r.Header.Get("Accept"))

		var req ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello there", req.Text)
		assert.Equal(t, "eleven_monolingual_v1", req.ModelID)
		assert.Equal(t, 0.5, req.VoiceSettings.Stability)
		assert.Equal(t, 0.75, req.VoiceSettings.SimilarityBoost)

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-fake-mp3"))
	}))
	defer srv.Close()

	clip, err := newTestClient(srv.URL).Synthesize(context.Background(), "Hello there", "voice-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-fake-mp3"), clip.Data)
	assert.Equal(t, "audio/mpeg", clip.ContentType)
}

func TestElevenLabs_SynthesizeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      domain.Code
		retryable bool
	}{
		{"quota", http.StatusTooManyRequests, `{"detail":{"status":"too_many_concurrent_requests","message":"busy"}}`, domain.CodeRateLimited, true},
		{"outage", http.StatusServiceUnavailable, `oops`, domain.CodeProviderUnavailable, true},
		{"rejected text", http.StatusUnprocessableEntity, `{"detail":{"status":"invalid","message":"text contains unsupported characters"}}`, domain.CodeInvalidInput, false},
		{"unknown voice", http.StatusNotFound, `{"detail":"voice_not_found"}`, domain.CodeNoVoiceIdentity, false},
		{"bad key", http.StatusUnauthorized, `{"detail":{"message":"invalid api key"}}`, domain.CodeNotConfigured, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Synthesize(context.Background(), "Hello", "voice-1")
			require.Error(t, err)
			pe, ok := domain.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.retryable, pe.Retryable())
			assert.Equal(t, ProviderElevenLabs, pe.Provider)
		})
	}
}

func TestElevenLabs_RetryHints(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       time.Duration
	}{
		{"provider header wins", http.StatusTooManyRequests, "30", 30 * time.Second},
		{"outage gets default backoff", http.StatusServiceUnavailable, "", 10 * time.Second},
		{"outage with header", http.StatusServiceUnavailable, "7", 7 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"detail":{"message":"busy"}}`))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Synthesize(context.Background(), "Hello", "voice-1")
			pe, ok := domain.AsError(err)
			require.True(t, ok)
			assert.True(t, pe.Retryable())
			assert.Equal(t, tt.want, pe.RetryAfter)
			assert.Contains(t, pe.UserMessage(), "try again in")
		})
	}
}

func TestElevenLabs_RejectedTextSurfacedVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":{"message":"text contains unsupported characters"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Synthesize(context.Background(), "Hello", "voice-1")
	pe, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "text contains unsupported characters", pe.Reason)
}

func TestElevenLabs_NotConfigured(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c := NewElevenLabs(ElevenLabsConfig{}, logger)
	assert.False(t, c.Configured())

	_, err := c.Synthesize(context.Background(), "Hello", "voice-1")
	assert.Equal(t, domain.CodeNotConfigured, domain.CodeOf(err))
}

func TestElevenLabs_CloneVoice(t *testing.T) {
	sample := Sample{Filename: "me.mp3", Data: bytes.Repeat([]byte{0x1}, MinSampleBytes+10)}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voices/add", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(32<<20))
		assert.Equal(t, "Ada", r.FormValue("name"))

		file, header, err := r.FormFile("files")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "me.mp3", header.Filename)
		data, _ := io.ReadAll(file)
		assert.Len(t, data, len(sample.Data))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"voice_id":"cloned-123"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL).CloneVoice(context.Background(), "Ada", sample)
	require.NoError(t, err)
	assert.Equal(t, "cloned-123", id)
}

func TestValidateSample(t *testing.T) {
	assert.Error(t, ValidateSample(Sample{Data: make([]byte, 1024)}))
	assert.Error(t, ValidateSample(Sample{Data: make([]byte, MaxSampleBytes+1)}))
	assert.NoError(t, ValidateSample(Sample{Data: make([]byte, MinSampleBytes)}))
}

func TestValidateText(t *testing.T) {
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(ValidateText("", 100)))
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(ValidateText(strings.Repeat("a", 101), 100)))
	assert.NoError(t, ValidateText("héllo", 5), "limit counts characters, not bytes")
}

func TestValidateRecording(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		size        int
		ok          bool
	}{
		{"mpeg", "audio/mpeg", 2048, true},
		{"webm with codec", "audio/webm; codecs=opus", 2048, true},
		{"at the ceiling", "audio/wav", MaxRecordingBytes, true},
		{"video", "video/mp4", 2048, false},
		{"missing type", "", 2048, false},
		{"empty", "audio/mpeg", 0, false},
		{"too large", "audio/mpeg", MaxRecordingBytes + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecording(Sample{ContentType: tt.contentType, Data: make([]byte, tt.size)})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
		})
	}
}
