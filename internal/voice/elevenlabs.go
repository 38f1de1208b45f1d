package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

// ProviderElevenLabs is the provider identity of the ElevenLabs backend.
const ProviderElevenLabs = "elevenlabs"

const maxAudioBytes = 20 << 20

// ElevenLabsConfig holds the API settings.
type ElevenLabsConfig struct {
	APIKey          string
	BaseURL         string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
}

// ElevenLabs implements Synthesizer and Cloner against the ElevenLabs v1 API.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	client *http.Client
	log    logrus.FieldLogger
}

// NewElevenLabs creates the client, filling defaults for empty settings.
func NewElevenLabs(cfg ElevenLabsConfig, logger logrus.FieldLogger) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_monolingual_v1"
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.75
	}
	return &ElevenLabs{
		cfg:    cfg,
		client: &http.Client{},
		log:    logger.WithFields(logrus.Fields{"component": "voice", "provider": ProviderElevenLabs}),
	}
}

func (e *ElevenLabs) Name() string { return ProviderElevenLabs }

func (e *ElevenLabs) Configured() bool { return e.cfg.APIKey != "" }

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize renders text with voiceID and returns MP3 audio.
func (e *ElevenLabs) Synthesize(ctx context.Context, text, voiceID string) (Clip, error) {
	if !e.Configured() {
		return Clip{}, domain.NewError(domain.StageSynthesize, domain.CodeNotConfigured, "ElevenLabs API key is not set", nil).WithProvider(ProviderElevenLabs)
	}

	payload, err := json.Marshal(ttsRequest{
		Text:    text,
		ModelID: e.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       e.cfg.Stability,
			SimilarityBoost: e.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return Clip{}, fmt.Errorf("failed to marshal tts request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s", e.cfg.BaseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Clip{}, fmt.Errorf("failed to create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Clip{}, e.callError(ctx, domain.StageSynthesize, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Clip{}, e.statusError(domain.StageSynthesize, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return Clip{}, e.callError(ctx, domain.StageSynthesize, err)
	}
	if len(data) == 0 {
		return Clip{}, domain.NewError(domain.StageSynthesize, domain.CodeProviderUnavailable, "empty audio response", nil).WithProvider(ProviderElevenLabs)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	e.log.WithFields(logrus.Fields{"voice_id": voiceID, "bytes": len(data)}).Info("Audio synthesized")
	return Clip{Data: data, ContentType: contentType}, nil
}

// CloneVoice uploads a sample to /voices/add and returns the new voice id.
func (e *ElevenLabs) CloneVoice(ctx context.Context, name string, sample Sample) (string, error) {
	if !e.Configured() {
		return "", domain.NewError(domain.StageVoice, domain.CodeNotConfigured, "ElevenLabs API key is not set", nil).WithProvider(ProviderElevenLabs)
	}
	if err := ValidateSample(sample); err != nil {
		return "", err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("name", name); err != nil {
		return "", fmt.Errorf("failed to write name field: %w", err)
	}
	if err := w.WriteField("description", "Voice clone for "+name); err != nil {
		return "", fmt.Errorf("failed to write description field: %w", err)
	}
	filename := sample.Filename
	if filename == "" {
		filename = "sample.mp3"
	}
	part, err := w.CreateFormFile("files", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(sample.Data); err != nil {
		return "", fmt.Errorf("failed to write sample: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/voices/add", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create clone request: %w", err)
	}
	req.Header.Set("xi-api-key", e.cfg.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return "", e.callError(ctx, domain.StageVoice, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", e.statusError(domain.StageVoice, resp)
	}

	var out struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.VoiceID == "" {
		return "", domain.NewError(domain.StageVoice, domain.CodeProviderUnavailable, "malformed clone response", err).WithProvider(ProviderElevenLabs)
	}

	e.log.WithField("voice_id", out.VoiceID).Info("Voice clone created")
	return out.VoiceID, nil
}

// statusError maps an HTTP failure. Text rejected by the provider is
// surfaced verbatim.
func (e *ElevenLabs) statusError(stage domain.Stage, resp *http.Response) *domain.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := providerMessage(raw)

	code := domain.CodeForStatus(resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound && stage == domain.StageSynthesize {
		code = domain.CodeNoVoiceIdentity
		msg = "voice not found at provider: " + msg
	}
	e.log.WithFields(logrus.Fields{"status": resp.StatusCode, "code": code}).Warn("Provider rejected request")
	return domain.NewError(stage, code, msg, nil).
		WithProvider(ProviderElevenLabs).
		WithRetryAfter(domain.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
}

func (e *ElevenLabs) callError(ctx context.Context, stage domain.Stage, err error) *domain.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewError(stage, domain.CodeTimeout, "provider call timed out", err).WithProvider(ProviderElevenLabs)
	case ctx.Err() != nil:
		return domain.NewError(stage, domain.CodeCancelled, "request cancelled", err).WithProvider(ProviderElevenLabs)
	}
	return domain.NewError(stage, domain.CodeProviderUnavailable, "provider unreachable", err).WithProvider(ProviderElevenLabs)
}

// providerMessage pulls the human readable part out of an ElevenLabs error body.
func providerMessage(raw []byte) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil && len(body.Detail) > 0 {
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body.Detail, &detail) == nil && detail.Message != "" {
			return detail.Message
		}
		var s string
		if json.Unmarshal(body.Detail, &s) == nil && s != "" {
			return s
		}
	}
	return strings.TrimSpace(string(raw))
}
