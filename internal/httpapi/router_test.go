package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchengine/internal/domain"
	"pitchengine/internal/pipeline"
	"pitchengine/internal/scripts"
	"pitchengine/internal/voice"
)

// stubPipeline implements the operations a test needs; anything else panics
// through the nil embedded interface.
type stubPipeline struct {
	Pipeline

	links     map[string]domain.Link
	selectErr error
	choice    scripts.Choice
	sample    voice.Sample
	audio     string
	removed   string
	preview   string
}

func (s *stubPipeline) GetLink(ctx context.Context, linkID string) (domain.Link, error) {
	link, ok := s.links[linkID]
	if !ok {
		return domain.Link{}, domain.NewError(domain.StageStore, domain.CodeNotFound, "link "+linkID, nil)
	}
	return link, nil
}

func (s *stubPipeline) ImportLink(ctx context.Context, userID int64, rawURL, title string) (domain.Link, error) {
	link, err := domain.NewLink("new", userID, rawURL, title, time.Now())
	if err != nil {
		return domain.Link{}, err
	}
	s.links[link.ID] = link
	return link, nil
}

func (s *stubPipeline) SelectScript(ctx context.Context, linkID string, choice scripts.Choice) (pipeline.Result, error) {
	s.choice = choice
	link := s.links[linkID]
	if s.selectErr != nil {
		return pipeline.Result{Link: link}, s.selectErr
	}
	link.SelectedScript = choice.Text
	link.ScriptState = domain.ScriptSelected
	link.Refresh()
	warn := scripts.CheckCustomLength(choice.Text)
	res := pipeline.Result{Link: link}
	if warn != nil {
		res.Warnings = append(res.Warnings, warn)
	}
	return res, nil
}

func (s *stubPipeline) SynthesizeAudio(ctx context.Context, linkID string) (pipeline.Result, error) {
	return pipeline.Result{Link: s.links[linkID]}, domain.NewError(domain.StageSynthesize, domain.CodeRateLimited, "budget", nil).
		WithProvider("elevenlabs").WithRetryAfter(1500 * time.Millisecond)
}

func (s *stubPipeline) OpenAudio(ctx context.Context, linkID string) (io.ReadCloser, domain.AudioAsset, error) {
	return io.NopCloser(strings.NewReader(s.audio)), domain.AudioAsset{ID: "a1", ContentType: "audio/mpeg", Size: int64(len(s.audio))}, nil
}

func (s *stubPipeline) CloneVoice(ctx context.Context, userID int64, name string, sample voice.Sample) (domain.VoiceIdentity, error) {
	s.sample = sample
	if err := voice.ValidateSample(sample); err != nil {
		return domain.VoiceIdentity{}, err
	}
	return domain.VoiceIdentity{ID: "cloned", UserID: userID, Name: name}, nil
}

func (s *stubPipeline) UploadRecording(ctx context.Context, linkID string, rec voice.Sample) (pipeline.Result, error) {
	s.sample = rec
	link := s.links[linkID]
	if err := voice.ValidateRecording(rec); err != nil {
		return pipeline.Result{Link: link}, err
	}
	link.Audio = &domain.AudioAsset{ID: "rec", VoiceID: domain.RecordedVoiceID, ContentType: rec.ContentType}
	return pipeline.Result{Link: link}, nil
}

func (s *stubPipeline) RemoveAudio(ctx context.Context, linkID string) (pipeline.Result, error) {
	s.removed = linkID
	return pipeline.Result{Link: s.links[linkID]}, nil
}

func (s *stubPipeline) PreviewVoice(ctx context.Context, userID int64, text string) (voice.Clip, error) {
	s.preview = text
	if err := voice.ValidateText(text, voice.MaxPreviewChars); err != nil {
		return voice.Clip{}, err
	}
	return voice.Clip{Data: []byte("ID3-preview"), ContentType: "audio/mpeg"}, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *stubPipeline) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	link, err := domain.NewLink("l1", 42, "https://example.com/course", "Course", time.Now())
	require.NoError(t, err)
	stub := &stubPipeline{links: map[string]domain.Link{"l1": link}, audio: "ID3-audio"}

	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRouter(stub, prometheus.NewRegistry(), log), stub
}

func do(router *gin.Engine, method, path string, userID string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/health", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RequiresUser(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/links/l1", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodGet, "/api/v1/links/l1", "abc", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_HidesOtherUsersLinks(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/links/l1", "42", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/v1/links/l1", "7", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.Equal(t, "not_found", body["error"].(map[string]any)["code"])
}

func TestRouter_ImportLink(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/links", "42", strings.NewReader(`{"url":"https://example.com/x","title":"X"}`), "application/json")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "IMPORTED", decode(t, w)["state"])

	w = do(router, http.MethodPost, "/api/v1/links", "42", strings.NewReader(`{"url":"mailto:me@example.com"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/links", "42", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_SelectScriptCarriesWarnings(t *testing.T) {
	router, stub := newTestRouter(t)

	w := do(router, http.MethodPut, "/api/v1/links/l1/selection", "42", strings.NewReader(`{"text":"Too short to read well."}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Too short to read well.", stub.choice.Text)

	body := decode(t, w)
	assert.Equal(t, "SCRIPT_SELECTED", body["link"].(map[string]any)["state"])
	warnings := body["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Equal(t, "degraded", warnings[0].(map[string]any)["kind"])
}

func TestRouter_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{domain.NewError(domain.StageSelect, domain.CodeInvalidTransition, "not generated", nil), http.StatusConflict},
		{domain.NewError(domain.StageSynthesize, domain.CodeNoVoiceIdentity, "", nil), http.StatusPreconditionFailed},
		{domain.NewError(domain.StageGenerate, domain.CodeNotConfigured, "", nil), http.StatusServiceUnavailable},
		{domain.NewError(domain.StageGenerate, domain.CodeTimeout, "", nil), http.StatusGatewayTimeout},
		{domain.NewError(domain.StageGenerate, domain.CodeGenerationFailed, "", nil), http.StatusUnprocessableEntity},
		{domain.NewError(domain.StageGenerate, domain.CodeInternal, "", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		pe, _ := domain.AsError(tt.err)
		t.Run(string(pe.Code), func(t *testing.T) {
			router, stub := newTestRouter(t)
			stub.selectErr = tt.err

			w := do(router, http.MethodPut, "/api/v1/links/l1/selection", "42", strings.NewReader(`{"slot":"brief"}`), "application/json")
			assert.Equal(t, tt.code, w.Code)
			body := decode(t, w)
			assert.Equal(t, string(pe.Code), body["error"].(map[string]any)["code"])
			assert.Contains(t, body, "link")
		})
	}
}

func TestRouter_RateLimitedSetsRetryAfter(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/links/l1/audio", "42", nil, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	errBody := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "elevenlabs", errBody["provider"])
	assert.EqualValues(t, 2, errBody["retry_after_seconds"])
}

func TestRouter_StreamAudio(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/v1/links/l1/audio", "42", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "ID3-audio", w.Body.String())
}

func TestRouter_CloneVoiceUpload(t *testing.T) {
	router, stub := newTestRouter(t)

	upload := func(size int) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("name", "My voice"))
		part, err := mw.CreateFormFile("sample", "sample.mp3")
		require.NoError(t, err)
		_, err = part.Write(bytes.Repeat([]byte{1}, size))
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		return do(router, http.MethodPost, "/api/v1/voices/clone", "42", &buf, mw.FormDataContentType())
	}

	w := upload(voice.MinSampleBytes)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "cloned", decode(t, w)["id"])
	assert.Equal(t, "sample.mp3", stub.sample.Filename)

	w = upload(1024)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_UploadRecording(t *testing.T) {
	router, stub := newTestRouter(t)

	upload := func(contentType string, size int) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="audio"; filename="take.webm"`)
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(bytes.Repeat([]byte{1}, size))
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		return do(router, http.MethodPost, "/api/v1/links/l1/audio/recording", "42", &buf, mw.FormDataContentType())
	}

	w := upload("audio/webm", 4096)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "take.webm", stub.sample.Filename)
	assert.Equal(t, "audio/webm", stub.sample.ContentType)
	link := decode(t, w)["link"].(map[string]any)
	assert.Equal(t, domain.RecordedVoiceID, link["audio"].(map[string]any)["voice_id"])

	w = upload("image/png", 4096)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = upload("audio/webm", voice.MaxRecordingBytes+10)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, stub.sample.Data, voice.MaxRecordingBytes+1, "reads stop one byte past the ceiling")

	w = do(router, http.MethodPost, "/api/v1/links/l1/audio/recording", "7", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_RemoveAudio(t *testing.T) {
	router, stub := newTestRouter(t)

	w := do(router, http.MethodDelete, "/api/v1/links/l1/audio", "42", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "l1", stub.removed)

	stub.removed = ""
	w = do(router, http.MethodDelete, "/api/v1/links/l1/audio", "7", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, stub.removed)
}

func TestRouter_PreviewVoice(t *testing.T) {
	router, stub := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/v1/voices/preview", "42", strings.NewReader(`{"text":"Hi, it's me."}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "ID3-preview", w.Body.String())
	assert.Equal(t, "Hi, it's me.", stub.preview)

	long := `{"text":"` + strings.Repeat("a", voice.MaxPreviewChars+1) + `"}`
	w = do(router, http.MethodPost, "/api/v1/voices/preview", "42", strings.NewReader(long), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/v1/voices/preview", "42", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
