package voice

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"pitchengine/internal/domain"
)

// DefaultMaxChars is the ceiling applied to every synthesis request.
const DefaultMaxChars = 2500

// Clip is raw synthesized audio.
type Clip struct {
	Data        []byte
	ContentType string
}

// Synthesizer turns text into speech with a trained voice.
type Synthesizer interface {
	Name() string
	Configured() bool
	Synthesize(ctx context.Context, text, voiceID string) (Clip, error)
}

// Cloner trains a new voice from a recorded sample.
type Cloner interface {
	CloneVoice(ctx context.Context, name string, sample Sample) (string, error)
}

// Sample is a recording uploaded for cloning.
type Sample struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Sample size bounds accepted for cloning.
const (
	MinSampleBytes = 100 * 1024
	MaxSampleBytes = 10 * 1024 * 1024
)

// MaxRecordingBytes caps a recording uploaded as a link's audio.
const MaxRecordingBytes = 5 * 1024 * 1024

// MaxPreviewChars caps the text of a voice preview.
const MaxPreviewChars = 500

// ValidateText enforces the synthesis preconditions on text for every backend.
func ValidateText(text string, maxChars int) error {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return domain.NewError(domain.StageSynthesize, domain.CodeInvalidInput, "script text is empty", nil)
	}
	if maxChars > 0 && n > maxChars {
		return domain.NewError(domain.StageSynthesize, domain.CodeInvalidInput,
			fmt.Sprintf("script has %d characters, the limit is %d", n, maxChars), nil)
	}
	return nil
}

// ValidateSample checks a cloning sample before it is uploaded.
func ValidateSample(s Sample) error {
	size := len(s.Data)
	if size < MinSampleBytes {
		return domain.NewError(domain.StageVoice, domain.CodeInvalidInput,
			fmt.Sprintf("voice sample is %d KB, at least %d KB is needed", size/1024, MinSampleBytes/1024), nil)
	}
	if size > MaxSampleBytes {
		return domain.NewError(domain.StageVoice, domain.CodeInvalidInput,
			fmt.Sprintf("voice sample is %d MB, at most %d MB is accepted", size/(1024*1024), MaxSampleBytes/(1024*1024)), nil)
	}
	return nil
}

// ValidateRecording checks a recording uploaded in place of synthesized audio.
// The sample type is reused; only the bounds differ from cloning.
func ValidateRecording(s Sample) error {
	mediaType, _, err := mime.ParseMediaType(s.ContentType)
	if err != nil || !strings.HasPrefix(mediaType, "audio/") {
		return domain.NewError(domain.StageSynthesize, domain.CodeInvalidInput,
			fmt.Sprintf("recording must be an audio file, got %q", s.ContentType), nil)
	}
	size := len(s.Data)
	if size == 0 {
		return domain.NewError(domain.StageSynthesize, domain.CodeInvalidInput, "recording is empty", nil)
	}
	if size > MaxRecordingBytes {
		return domain.NewError(domain.StageSynthesize, domain.CodeInvalidInput,
			fmt.Sprintf("recording is larger than %d MB", MaxRecordingBytes/(1024*1024)), nil)
	}
	return nil
}
