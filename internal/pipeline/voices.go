package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
	"pitchengine/internal/storage"
	"pitchengine/internal/voice"
)

// RegisterVoice records a completed voice clone as the user's active identity.
// Audio built with any other voice is marked stale on the user's links.
func (o *Orchestrator) RegisterVoice(ctx context.Context, userID int64, voiceID, name string) (v domain.VoiceIdentity, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageVoice, started, err) }()

	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		return domain.VoiceIdentity{}, domain.NewError(domain.StageVoice, domain.CodeInvalidInput, "voice id is empty", nil)
	}

	v = domain.VoiceIdentity{
		ID:        voiceID,
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		CreatedAt: o.now(),
	}
	if o.synth != nil {
		v.Provider = o.synth.Name()
	}

	superseded, err := o.repo.SaveVoice(ctx, v)
	if errors.Is(err, storage.ErrVoiceSuperseded) {
		return domain.VoiceIdentity{}, domain.NewError(domain.StageVoice, domain.CodeInvalidInput,
			fmt.Sprintf("voice %s was replaced by a newer voice and cannot be reused", voiceID), err)
	}
	if err != nil {
		return domain.VoiceIdentity{}, domain.NewError(domain.StageVoice, domain.CodeInternal, "failed to save voice identity", err)
	}

	log := o.log.WithFields(logrus.Fields{"user_id": userID, "voice_id": voiceID})
	if superseded != nil {
		log = log.WithField("superseded", superseded.ID)
	}
	staled, err := o.staleAudioForVoice(ctx, userID, voiceID)
	if err != nil {
		log.WithError(err).Warn("Not every link could be checked against the new voice")
	}
	log.WithField("stale_links", staled).Info("Voice identity active")
	return v, nil
}

// CloneVoice trains a voice from sample and registers it.
func (o *Orchestrator) CloneVoice(ctx context.Context, userID int64, name string, sample voice.Sample) (domain.VoiceIdentity, error) {
	if err := voice.ValidateSample(sample); err != nil {
		return domain.VoiceIdentity{}, err
	}
	if o.cloner == nil || o.synth == nil || !o.synth.Configured() {
		return domain.VoiceIdentity{}, domain.NewError(domain.StageVoice, domain.CodeNotConfigured, "no voice cloning provider is configured", nil)
	}
	if err := o.limiter.Allow(ctx, domain.StageVoice, o.synth.Name()); err != nil {
		return domain.VoiceIdentity{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SynthesizeTimeout)
	voiceID, err := o.cloner.CloneVoice(callCtx, name, sample)
	cancel()
	if err != nil {
		o.log.WithError(err).WithField("user_id", userID).Warn("Voice cloning failed")
		return domain.VoiceIdentity{}, err
	}
	return o.RegisterVoice(ctx, userID, voiceID, name)
}

// ActiveVoice returns the user's current voice identity.
func (o *Orchestrator) ActiveVoice(ctx context.Context, userID int64) (domain.VoiceIdentity, error) {
	voiceID, err := o.activeVoice(ctx, domain.StageVoice, userID)
	if err != nil {
		return domain.VoiceIdentity{}, err
	}
	voices, err := o.repo.ListVoices(ctx, userID)
	if err != nil {
		return domain.VoiceIdentity{}, domain.NewError(domain.StageVoice, domain.CodeInternal, "failed to list voices", err)
	}
	for _, v := range voices {
		if v.ID == voiceID {
			return v, nil
		}
	}
	return domain.VoiceIdentity{}, domain.NewError(domain.StageVoice, domain.CodeNoVoiceIdentity, "no voice identity registered", nil)
}

// staleAudioForVoice flags fresh audio built with another voice. Recordings are
// left alone. Each link is rechecked inside its own critical section.
func (o *Orchestrator) staleAudioForVoice(ctx context.Context, userID int64, voiceID string) (int, error) {
	links, err := o.repo.GetLinksByUser(ctx, userID)
	if err != nil {
		return 0, err
	}

	staled := 0
	for _, l := range links {
		if !l.Audio.Fresh() || l.Audio.Recorded() || l.Audio.VoiceID == voiceID {
			continue
		}
		changed, err := o.staleLinkAudio(ctx, l.ID, voiceID)
		if err != nil {
			return staled, err
		}
		if changed {
			staled++
		}
	}
	return staled, nil
}

func (o *Orchestrator) staleLinkAudio(ctx context.Context, linkID, voiceID string) (bool, error) {
	link, release, err := o.begin(ctx, domain.StageVoice, linkID)
	if err != nil {
		return false, err
	}
	defer release()

	if !link.Audio.Fresh() || link.Audio.Recorded() || link.Audio.VoiceID == voiceID {
		return false, nil
	}
	asset := *link.Audio
	asset.MarkStale("voice identity changed")
	link.Audio = &asset
	if err := o.commit(ctx, domain.StageVoice, &link, asset); err != nil {
		return false, err
	}
	return true, nil
}
