// Package pipeline drives a link from import to a publishable, voice-narrated
// pitch. Every state-changing operation runs inside the link's critical
// section and commits the link in a single write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/audio"
	"pitchengine/internal/domain"
	"pitchengine/internal/ratelimit"
	"pitchengine/internal/scraper"
	"pitchengine/internal/scriptgen"
	"pitchengine/internal/scripts"
	"pitchengine/internal/storage"
	"pitchengine/internal/voice"
)

// extractProvider keys the extraction rate limit; pages are fetched directly.
const extractProvider = "web"

// ScriptGenerator produces a whole script set for a request.
type ScriptGenerator interface {
	Provider() string
	Generate(ctx context.Context, req scriptgen.Request) (domain.ScriptSet, error)
}

// Deps are the collaborators wired into an Orchestrator. Generator, Synthesizer
// and Cloner may be nil when no provider is configured for them.
type Deps struct {
	Repo        storage.Repository
	Extractor   scraper.Extractor
	Generator   ScriptGenerator
	Synthesizer voice.Synthesizer
	Cloner      voice.Cloner
	Assets      *audio.Manager
	Limiter     *ratelimit.Limiter
	Metrics     *Metrics
}

// Config tunes the orchestrator.
type Config struct {
	SynthesizeTimeout time.Duration
	MaxChars          int
	BatchConcurrency  int
}

// Result is the committed link after an operation plus any warnings that did
// not stop it.
type Result struct {
	Link     domain.Link     `json:"link"`
	Warnings []*domain.Error `json:"-"`
}

// Orchestrator is the top-level pipeline state machine.
type Orchestrator struct {
	repo      storage.Repository
	extractor scraper.Extractor
	generator ScriptGenerator
	synth     voice.Synthesizer
	cloner    voice.Cloner
	assets    *audio.Manager
	limiter   *ratelimit.Limiter
	metrics   *Metrics
	scripts   *scripts.Manager
	locks     *linkLocks
	cache     *snapshots
	cfg       Config
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewOrchestrator wires deps into a pipeline.
func NewOrchestrator(deps Deps, cfg Config, logger logrus.FieldLogger) *Orchestrator {
	if cfg.SynthesizeTimeout <= 0 {
		cfg.SynthesizeTimeout = 60 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = voice.DefaultMaxChars
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if deps.Limiter != nil && deps.Metrics != nil {
		deps.Limiter.SetObserver(deps.Metrics)
	}
	return &Orchestrator{
		repo:      deps.Repo,
		extractor: deps.Extractor,
		generator: deps.Generator,
		synth:     deps.Synthesizer,
		cloner:    deps.Cloner,
		assets:    deps.Assets,
		limiter:   deps.Limiter,
		metrics:   deps.Metrics,
		scripts:   scripts.NewManager(),
		locks:     newLinkLocks(),
		cache:     newSnapshots(),
		cfg:       cfg,
		log:       logger.WithField("component", "pipeline"),
		now:       time.Now,
	}
}

// ImportLink validates rawURL and stores a new link in IMPORTED.
func (o *Orchestrator) ImportLink(ctx context.Context, userID int64, rawURL, title string) (link domain.Link, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageImport, started, err) }()

	link, err = domain.NewLink(uuid.NewString(), userID, rawURL, title, o.now())
	if err != nil {
		return domain.Link{}, err
	}
	if err := o.repo.SaveLink(ctx, link); err != nil {
		return domain.Link{}, domain.NewError(domain.StageImport, domain.CodeInternal, "failed to save link", err)
	}
	o.cache.put(link)

	o.log.WithFields(logrus.Fields{
		"link_id": link.ID,
		"user_id": userID,
		"url":     link.URL,
	}).Info("Link imported")
	return link, nil
}

// Extract fetches the link's page and caches the snapshot. A cached snapshot
// is returned as is unless force is set. Failures never change the link.
func (o *Orchestrator) Extract(ctx context.Context, linkID string, force bool) (res Result, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageExtract, started, err) }()

	link, release, err := o.begin(ctx, domain.StageExtract, linkID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	before := link

	if link.Content != nil && !force {
		return Result{Link: link}, nil
	}

	content, err := o.extract(ctx, link)
	if err != nil {
		return o.reject(ctx, before, err, true)
	}

	if link.Content != nil && contentChanged(link, content) && o.scripts.Invalidate(&link) {
		o.log.WithField("link_id", link.ID).Info("Page content changed, scripts marked stale")
	}
	link.Content = content
	link.Failure = nil
	if err := o.commit(ctx, domain.StageExtract, &link); err != nil {
		return Result{Link: before}, err
	}

	o.log.WithFields(logrus.Fields{
		"link_id":   link.ID,
		"link_type": content.LinkType,
		"title":     content.Title,
	}).Info("Content extracted")
	return Result{Link: link}, nil
}

// GenerateScripts produces a new script set for the link and replaces the
// previous one as a whole. Missing content is extracted first; if that fails
// generation carries on with the link alone and a degraded warning.
func (o *Orchestrator) GenerateScripts(ctx context.Context, linkID, bio string) (res Result, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageGenerate, started, err) }()

	link, release, err := o.begin(ctx, domain.StageGenerate, linkID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	before := link

	if o.generator == nil {
		return o.reject(ctx, before, domain.NewError(domain.StageGenerate, domain.CodeNotConfigured,
			"no script generation provider is configured", nil), true)
	}

	var warnings []*domain.Error
	if link.Content == nil {
		content, err := o.extract(ctx, link)
		if err != nil {
			w := degraded(domain.StageExtract, err)
			o.log.WithError(w).WithField("link_id", link.ID).Warn("Generating without page content")
			warnings = append(warnings, w)
		} else {
			link.Content = content
		}
	}

	req := scriptgen.Request{
		URL:     link.URL,
		Title:   link.DisplayTitle(),
		Content: link.Content,
		Bio:     bio,
	}
	if err := o.scripts.CanGenerate(&link, req.ContextHash()); err != nil {
		return o.reject(ctx, before, err, true)
	}
	// Admits the first backend call; the generator gates its own retry.
	if err := o.limiter.Allow(ctx, domain.StageGenerate, o.generator.Provider()); err != nil {
		return o.reject(ctx, before, err, true)
	}

	set, err := o.generator.Generate(ctx, req)
	if err != nil {
		return o.reject(ctx, before, err, before.Scripts != nil)
	}
	if err := o.scripts.Replace(&link, set); err != nil {
		return o.reject(ctx, before, err, before.Scripts != nil)
	}
	if len(set.Failed) > 0 {
		warnings = append(warnings, domain.NewError(domain.StageGenerate, domain.CodeGenerationFailed,
			fmt.Sprintf("no script within the word limit for: %s", joinSlots(set.Failed)), nil).
			WithProvider(set.Provider).Degrade())
	}

	link.Failure = nil
	if err := o.commit(ctx, domain.StageGenerate, &link); err != nil {
		return Result{Link: before}, err
	}

	o.log.WithFields(logrus.Fields{
		"link_id":  link.ID,
		"round":    link.Scripts.Round,
		"provider": set.Provider,
		"degraded": set.Degraded,
	}).Info("Scripts ready")
	return Result{Link: link, Warnings: warnings}, nil
}

// SelectScript points the link at a generated slot or at literal text.
func (o *Orchestrator) SelectScript(ctx context.Context, linkID string, choice scripts.Choice) (res Result, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageSelect, started, err) }()

	link, release, err := o.begin(ctx, domain.StageSelect, linkID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	before := link

	// Select may mark the asset stale; keep the committed copy untouched.
	if link.Audio != nil {
		asset := *link.Audio
		link.Audio = &asset
	}

	warnings, err := o.scripts.Select(&link, choice)
	if err != nil {
		return o.reject(ctx, before, err, true)
	}

	link.Failure = nil
	if err := o.commit(ctx, domain.StageSelect, &link); err != nil {
		return Result{Link: before}, err
	}

	o.log.WithFields(logrus.Fields{
		"link_id":     link.ID,
		"slot":        link.SelectedSlot,
		"audio_stale": link.Audio != nil && !link.Audio.Fresh(),
	}).Info("Script selected")
	return Result{Link: link, Warnings: warnings}, nil
}

// SynthesizeAudio narrates the selected script with the user's active voice.
// Calling it again while the current audio still matches is a no-op; a fresh
// recording of the selection counts as a match.
func (o *Orchestrator) SynthesizeAudio(ctx context.Context, linkID string) (Result, error) {
	return o.synthesize(ctx, linkID, false)
}

// RegenerateAudio always synthesizes a new asset and retires the current one.
func (o *Orchestrator) RegenerateAudio(ctx context.Context, linkID string) (Result, error) {
	return o.synthesize(ctx, linkID, true)
}

func (o *Orchestrator) synthesize(ctx context.Context, linkID string, force bool) (res Result, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StageSynthesize, started, err) }()

	link, release, err := o.begin(ctx, domain.StageSynthesize, linkID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	before := link

	if !link.HasSelection() {
		return o.reject(ctx, before, domain.NewError(domain.StageSynthesize, domain.CodeInvalidTransition,
			"select a script before generating audio", nil), true)
	}
	if !force && link.AudioReady() && link.Audio.Recorded() {
		return Result{Link: link}, nil
	}
	if o.synth == nil || !o.synth.Configured() {
		return o.reject(ctx, before, domain.NewError(domain.StageSynthesize, domain.CodeNotConfigured,
			"no voice synthesis provider is configured", nil), true)
	}
	voiceID, err := o.activeVoice(ctx, domain.StageSynthesize, link.UserID)
	if err != nil {
		return o.reject(ctx, before, err, true)
	}

	text := link.SelectedScript
	if !force && link.Audio.Fresh() && link.Audio.Matches(text, voiceID) {
		return Result{Link: link}, nil
	}
	if err := voice.ValidateText(text, o.cfg.MaxChars); err != nil {
		return o.reject(ctx, before, err, before.Audio != nil)
	}
	if err := o.limiter.Allow(ctx, domain.StageSynthesize, o.synth.Name()); err != nil {
		return o.reject(ctx, before, err, true)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.SynthesizeTimeout)
	clip, err := o.synth.Synthesize(callCtx, text, voiceID)
	cancel()
	if err != nil {
		return o.reject(ctx, before, err, before.Audio != nil)
	}

	asset, err := o.assets.Store(ctx, link, clip.Data, clip.ContentType, text, voiceID)
	if err != nil {
		return o.reject(ctx, before, err, true)
	}

	touched := make([]domain.AudioAsset, 0, 2)
	if link.Audio != nil {
		prev := *link.Audio
		o.assets.Retire(&prev, fmt.Sprintf("superseded by generation %d", asset.Generation))
		touched = append(touched, prev)
	}
	link.Audio = &asset
	link.AudioGeneration = asset.Generation
	touched = append(touched, asset)

	link.Failure = nil
	if err := o.commit(ctx, domain.StageSynthesize, &link, touched...); err != nil {
		// Nothing references the new blob yet.
		o.assets.Discard(context.WithoutCancel(ctx), asset)
		return Result{Link: before}, err
	}

	o.log.WithFields(logrus.Fields{
		"link_id":    link.ID,
		"asset_id":   asset.ID,
		"generation": asset.Generation,
		"voice_id":   voiceID,
		"forced":     force,
	}).Info("Audio ready")
	return Result{Link: link}, nil
}

// Publish clears the link for publication. Audio publishing needs fresh audio
// for the selected script; allowTextOnly lets the link go out without it.
func (o *Orchestrator) Publish(ctx context.Context, linkID string, allowTextOnly bool) (res Result, err error) {
	started := o.now()
	defer func() { o.metrics.observe(domain.StagePublish, started, err) }()

	link, release, err := o.begin(ctx, domain.StagePublish, linkID)
	if err != nil {
		return Result{}, err
	}
	defer release()
	before := link

	if link.Failure != nil {
		return o.reject(ctx, before, domain.NewError(domain.StagePublish, domain.CodeInvalidTransition,
			fmt.Sprintf("link failed at %s: %s", link.Failure.Stage, link.Failure.Reason), nil), true)
	}

	var mode domain.PublishMode
	switch {
	case link.AudioReady():
		mode = domain.PublishAudio
	case allowTextOnly:
		mode = domain.PublishTextOnly
	default:
		return o.reject(ctx, before, domain.NewError(domain.StagePublish, domain.CodeInvalidTransition,
			"audio is not ready for the selected script", nil), true)
	}
	if link.PublishMode == mode {
		return Result{Link: link}, nil
	}

	link.PublishMode = mode
	if err := o.commit(ctx, domain.StagePublish, &link); err != nil {
		return Result{Link: before}, err
	}
	o.log.WithFields(logrus.Fields{"link_id": link.ID, "mode": mode}).Info("Link publishable")
	return Result{Link: link}, nil
}

// Status returns the committed state of a link without taking its lock.
func (o *Orchestrator) Status(ctx context.Context, linkID string) (Status, error) {
	link, err := o.GetLink(ctx, linkID)
	if err != nil {
		return Status{}, err
	}
	return statusOf(link, o.cache.lastFailure(linkID)), nil
}

// GetLink returns the committed copy of a link.
func (o *Orchestrator) GetLink(ctx context.Context, linkID string) (domain.Link, error) {
	if link, ok := o.cache.get(linkID); ok {
		return link, nil
	}
	link, err := o.load(ctx, domain.StageStore, linkID)
	if err != nil {
		return domain.Link{}, err
	}
	o.cache.put(link)
	return link, nil
}

// ListLinks returns the user's links, newest first.
func (o *Orchestrator) ListLinks(ctx context.Context, userID int64) ([]domain.Link, error) {
	links, err := o.repo.GetLinksByUser(ctx, userID)
	if err != nil {
		return nil, domain.NewError(domain.StageStore, domain.CodeInternal, "failed to list links", err)
	}
	return links, nil
}

// DeleteLink removes a link owned by userID. Its audio is collected later.
func (o *Orchestrator) DeleteLink(ctx context.Context, userID int64, linkID string) error {
	release, err := o.locks.Lock(ctx, linkID)
	if err != nil {
		return domain.NewError(domain.StageStore, domain.CodeCancelled, "gave up waiting for the link", err)
	}
	defer release()

	if err := o.repo.DeleteLink(ctx, userID, linkID); err != nil {
		if errors.Is(err, storage.ErrLinkNotFound) {
			return domain.NewError(domain.StageStore, domain.CodeNotFound, fmt.Sprintf("link %s", linkID), err)
		}
		return domain.NewError(domain.StageStore, domain.CodeInternal, "failed to delete link", err)
	}
	o.cache.drop(linkID)
	o.log.WithFields(logrus.Fields{"link_id": linkID, "user_id": userID}).Info("Link deleted")
	return nil
}

// OpenAudio streams the link's current audio.
func (o *Orchestrator) OpenAudio(ctx context.Context, linkID string) (io.ReadCloser, domain.AudioAsset, error) {
	link, err := o.GetLink(ctx, linkID)
	if err != nil {
		return nil, domain.AudioAsset{}, err
	}
	if link.Audio == nil {
		return nil, domain.AudioAsset{}, domain.NewError(domain.StageSynthesize, domain.CodeNotFound, "link has no audio", nil)
	}
	r, err := o.assets.Open(ctx, *link.Audio)
	if err != nil {
		if errors.Is(err, audio.ErrBlobNotFound) {
			return nil, domain.AudioAsset{}, domain.NewError(domain.StageStore, domain.CodeNotFound, "audio file is missing", err)
		}
		return nil, domain.AudioAsset{}, domain.NewError(domain.StageStore, domain.CodeInternal, "failed to open audio", err)
	}
	return r, *link.Audio, nil
}

// begin takes the link's critical section and loads its committed copy.
func (o *Orchestrator) begin(ctx context.Context, stage domain.Stage, linkID string) (domain.Link, func(), error) {
	release, err := o.locks.Lock(ctx, linkID)
	if err != nil {
		return domain.Link{}, nil, domain.NewError(stage, domain.CodeCancelled, "gave up waiting for the link", err)
	}
	link, err := o.load(ctx, stage, linkID)
	if err != nil {
		release()
		return domain.Link{}, nil, err
	}
	return link, release, nil
}

func (o *Orchestrator) load(ctx context.Context, stage domain.Stage, linkID string) (domain.Link, error) {
	link, err := o.repo.GetLink(ctx, linkID)
	if err != nil {
		if errors.Is(err, storage.ErrLinkNotFound) {
			return domain.Link{}, domain.NewError(stage, domain.CodeNotFound, fmt.Sprintf("link %s", linkID), err)
		}
		return domain.Link{}, domain.NewError(stage, domain.CodeInternal, "failed to load link", err)
	}
	return link, nil
}

// commit derives the state, writes the link with the assets it touched in one
// transaction and publishes the new snapshot.
func (o *Orchestrator) commit(ctx context.Context, stage domain.Stage, link *domain.Link, assets ...domain.AudioAsset) error {
	link.UpdatedAt = o.now()
	link.Refresh()
	if err := o.repo.SaveLink(ctx, *link, assets...); err != nil {
		o.log.WithError(err).WithField("link_id", link.ID).Error("Failed to commit link")
		return domain.NewError(stage, domain.CodeInternal, "failed to save link", err)
	}
	o.cache.put(*link)
	if link.Failure == nil {
		o.cache.forget(link.ID)
	}
	return nil
}

// reject reports err for link. Only a non-retryable input or generation
// failure at a stage with no earlier good result moves the link to FAILED;
// everything else leaves the committed link as it was.
func (o *Orchestrator) reject(ctx context.Context, link domain.Link, err error, hasPrior bool) (Result, error) {
	pe, ok := domain.AsError(err)
	if !ok {
		pe = domain.NewError(domain.StageStore, domain.CodeInternal, "unexpected failure", err)
	}
	log := o.log.WithFields(logrus.Fields{
		"link_id":  link.ID,
		"stage":    pe.Stage,
		"code":     pe.Code,
		"provider": pe.Provider,
	})

	if terminal(pe) && !hasPrior {
		link.Fail(pe.Stage, pe.Code, reasonOf(pe), o.now())
		if cerr := o.commit(ctx, pe.Stage, &link); cerr != nil {
			log.WithError(cerr).Error("Failed to record terminal failure")
		} else {
			log.WithError(pe).Error("Link failed")
			return Result{Link: link}, pe
		}
	}

	o.cache.remember(link.ID, pe, o.now())
	switch pe.Kind {
	case domain.KindNonRetryable:
		log.WithError(pe).Error("Stage rejected")
	default:
		log.WithError(pe).Warn("Stage did not complete")
	}
	return Result{Link: link}, pe
}

func terminal(pe *domain.Error) bool {
	if pe.Kind != domain.KindNonRetryable {
		return false
	}
	if pe.Stage != domain.StageGenerate && pe.Stage != domain.StageSynthesize {
		return false
	}
	return pe.Code == domain.CodeInvalidInput || pe.Code == domain.CodeGenerationFailed
}

func reasonOf(pe *domain.Error) string {
	if pe.Reason != "" {
		return pe.Reason
	}
	return string(pe.Code)
}

// extract runs the extractor through the rate limiter and maps its failures.
func (o *Orchestrator) extract(ctx context.Context, link domain.Link) (*domain.ScrapedContent, error) {
	if o.extractor == nil {
		return nil, domain.NewError(domain.StageExtract, domain.CodeNotConfigured, "no extractor is configured", nil)
	}
	if err := o.limiter.Allow(ctx, domain.StageExtract, extractProvider); err != nil {
		return nil, err
	}
	content, err := o.extractor.Extract(ctx, link.URL)
	if err != nil {
		var failure *scraper.ExtractionFailure
		if errors.As(err, &failure) {
			return nil, failure.PipelineError()
		}
		if pe, ok := domain.AsError(err); ok {
			return nil, pe
		}
		return nil, domain.NewError(domain.StageExtract, domain.CodeExtractionFailed, "page could not be read", err).Degrade()
	}
	return &content, nil
}

// activeVoice resolves the voice identity synthesis must use.
func (o *Orchestrator) activeVoice(ctx context.Context, stage domain.Stage, userID int64) (string, error) {
	v, err := o.repo.ActiveVoice(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrVoiceNotFound) {
			return "", domain.NewError(stage, domain.CodeNoVoiceIdentity, "no voice identity registered", err)
		}
		return "", domain.NewError(stage, domain.CodeInternal, "failed to load voice identity", err)
	}
	if !v.Active() {
		return "", domain.NewError(stage, domain.CodeNoVoiceIdentity, "voice identity was superseded", nil)
	}
	return v.ID, nil
}

// degraded turns any failure into a warning tagged with stage.
func degraded(stage domain.Stage, err error) *domain.Error {
	pe, ok := domain.AsError(err)
	if !ok {
		return domain.NewError(stage, domain.CodeExtractionFailed, "page could not be read", err).Degrade()
	}
	w := *pe
	return w.Degrade()
}

func contentChanged(link domain.Link, next *domain.ScrapedContent) bool {
	return domain.ContextHash(link.URL, link.Title, link.Content, "") != domain.ContextHash(link.URL, link.Title, next, "")
}

func joinSlots(slots []domain.Slot) string {
	out := ""
	for i, s := range slots {
		if i > 0 {
			out += ", "
		}
		out += string(s)
	}
	return out
}
