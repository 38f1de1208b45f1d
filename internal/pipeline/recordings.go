package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
	"pitchengine/internal/voice"
)

// UploadRecording stores the user's own recording of the selected script as
// the link's audio. The previous asset is retired as with a regeneration.
func (o *Orchestrator) UploadRecording(ctx context.Context, linkID string, rec voice.Sample) (res Result, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageSynthesize, started, err) }()

	if err := voice.ValidateRecording(rec); err != nil {
		return Result{}, err
	}

	link, release, err := o.begin(ctx, domain.StageSynthesize, linkID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	before := link

	if !link.HasSelection() {
		return o.reject(ctx, before, domain.NewError(domain.StageSynthesize, domain.CodeInvalidTransition,
			"select a script before uploading a recording", nil), true)
	}

	asset, err := o.assets.Store(ctx, link, rec.Data, rec.ContentType, link.SelectedScript, domain.RecordedVoiceID)
	if err != nil {
		return o.reject(ctx, before, err, true)
	}

	touched := []domain.AudioAsset{asset}
	if link.Audio != nil {
		prev := *link.Audio
		o.assets.Retire(&prev, fmt.Sprintf("replaced by recording %d", asset.Generation))
		touched = append(touched, prev)
	}
	link.Audio = &asset
	link.AudioGeneration = asset.Generation

	link.Failure = nil
	if err := o.commit(ctx, domain.StageSynthesize, &link, touched...); err != nil {
		o.assets.Discard(context.WithoutCancel(ctx), asset)
		return Result{Link: before}, err
	}

	o.log.WithFields(logrus.Fields{
		"link_id":    link.ID,
		"asset_id":   asset.ID,
		"generation": asset.Generation,
		"bytes":      asset.Size,
	}).Info("Recording stored")
	return Result{Link: link}, nil
}

// RemoveAudio retires the link's audio without replacing it. A published
// audio link falls back to its selection until new audio is ready.
func (o *Orchestrator) RemoveAudio(ctx context.Context, linkID string) (res Result, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageSynthesize, started, err) }()

	link, release, err := o.begin(ctx, domain.StageSynthesize, linkID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	before := link

	if link.Audio == nil {
		return Result{Link: link}, nil
	}

	prev := *link.Audio
	o.assets.Retire(&prev, "removed by user")
	link.Audio = nil
	if link.PublishMode == domain.PublishAudio {
		link.PublishMode = domain.PublishNone
	}
	if err := o.commit(ctx, domain.StageSynthesize, &link, prev); err != nil {
		return Result{Link: before}, err
	}

	o.log.WithFields(logrus.Fields{"link_id": link.ID, "asset_id": prev.ID}).Info("Audio removed")
	return Result{Link: link}, nil
}

// PreviewVoice narrates a short text with the user's active voice. Nothing is
// stored and no link is touched.
func (o *Orchestrator) PreviewVoice(ctx context.Context, userID int64, text string) (clip voice.Clip, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageVoice, started, err) }()

	text = strings.TrimSpace(text)
	if err := voice.ValidateText(text, voice.MaxPreviewChars); err != nil {
		return voice.Clip{}, err
	}
	if o.synth == nil || !o.synth.Configured() {
		return voice.Clip{}, domain.NewError(domain.StageVoice, domain.CodeNotConfigured, "no voice synthesis provider is configured", nil)
	}
	voiceID, err := o.activeVoice(ctx, domain.StageVoice, userID)
	if err != nil {
		return voice.Clip{}, err
	}
	if err := o.limiter.Allow(ctx, domain.StageSynthesize, o.synth.Name()); err != nil {
		return voice.Clip{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SynthesizeTimeout)
	defer cancel()
	clip, err = o.synth.Synthesize(callCtx, text, voiceID)
	if err != nil {
		o.log.WithError(err).WithField("user_id", userID).Warn("Voice preview failed")
		return voice.Clip{}, err
	}
	return clip, nil
}
