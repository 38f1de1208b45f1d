package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PipelineState is the top-level progress of a link towards publication.
type PipelineState string

const (
	StateImported       PipelineState = "IMPORTED"
	StateContentReady   PipelineState = "CONTENT_READY"
	StateScriptsReady   PipelineState = "SCRIPTS_READY"
	StateScriptSelected PipelineState = "SCRIPT_SELECTED"
	StateAudioReady     PipelineState = "AUDIO_READY"
	StatePublishable    PipelineState = "PUBLISHABLE"
	StateFailed         PipelineState = "FAILED"
)

// PublishMode records how the link was cleared for publication.
type PublishMode string

const (
	PublishNone     PublishMode = ""
	PublishAudio    PublishMode = "audio"
	PublishTextOnly PublishMode = "text_only"
)

// StageFailure is the terminal failure recorded on a link.
type StageFailure struct {
	Stage  Stage     `json:"stage"`
	Code   Code      `json:"code"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Link represents a destination a user wants to promote, plus everything the
// pipeline has produced for it so far.
type Link struct {
	// ID is the pipeline-assigned identifier.
	ID string `json:"id"`

	// UserID is the owner of the link.
	UserID int64 `json:"user_id"`

	// URL is the destination being promoted.
	URL string `json:"url"`

	// Title is the display title supplied by the user, if any.
	Title string `json:"title"`

	// State is derived from the fields below on every write.
	State PipelineState `json:"state"`

	// Content is the cached extraction snapshot; reused until re-extraction is requested.
	Content *ScrapedContent `json:"content,omitempty"`

	Scripts        *ScriptSet  `json:"scripts,omitempty"`
	ScriptState    ScriptState `json:"script_state"`
	SelectedScript string      `json:"selected_script,omitempty"`
	SelectedSlot   Slot        `json:"selected_slot,omitempty"`

	// Audio is the current audio asset; superseded ones are only kept in the asset ledger.
	Audio *AudioAsset `json:"audio,omitempty"`
	// AudioGeneration counts synthesized assets; it only grows.
	AudioGeneration int `json:"audio_generation"`

	PublishMode PublishMode   `json:"publish_mode,omitempty"`
	Failure     *StageFailure `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewLink validates rawURL and returns a link in the IMPORTED state.
func NewLink(id string, userID int64, rawURL, title string, now time.Time) (Link, error) {
	if err := ValidateURL(rawURL); err != nil {
		return Link{}, err
	}
	l := Link{
		ID:          id,
		UserID:      userID,
		URL:         strings.TrimSpace(rawURL),
		Title:       strings.TrimSpace(title),
		ScriptState: ScriptNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	l.Refresh()
	return l, nil
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return NewError(StageImport, CodeInvalidInput, "malformed url", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewError(StageImport, CodeInvalidInput, fmt.Sprintf("unsupported url %q", rawURL), nil)
	}
	return nil
}

// DisplayTitle prefers the user's title over the scraped one.
func (l *Link) DisplayTitle() string {
	if l.Title != "" {
		return l.Title
	}
	if l.Content != nil {
		return l.Content.Title
	}
	return ""
}

// HasSelection reports whether a script has been selected.
func (l *Link) HasSelection() bool {
	return strings.TrimSpace(l.SelectedScript) != ""
}

// AudioReady reports whether the current audio matches the current selection.
func (l *Link) AudioReady() bool {
	return l.HasSelection() && l.Audio.Fresh() && l.Audio.ScriptHash == HashText(l.SelectedScript)
}

// Fail records a terminal failure.
func (l *Link) Fail(stage Stage, code Code, reason string, now time.Time) {
	l.Failure = &StageFailure{Stage: stage, Code: code, Reason: reason, At: now}
}

// Refresh recomputes State from the link's data.
func (l *Link) Refresh() {
	l.State = l.DeriveState()
}

// DeriveState computes the pipeline state from what the link holds.
func (l *Link) DeriveState() PipelineState {
	switch {
	case l.Failure != nil:
		return StateFailed
	case l.PublishMode == PublishTextOnly:
		return StatePublishable
	case l.PublishMode == PublishAudio && l.AudioReady():
		return StatePublishable
	case l.AudioReady():
		return StateAudioReady
	case l.HasSelection():
		return StateScriptSelected
	case l.Scripts != nil && len(l.Scripts.Candidates) > 0:
		return StateScriptsReady
	case l.Content != nil:
		return StateContentReady
	}
	return StateImported
}
