package domain

import "time"

// VoiceIdentity references a trained synthesis voice.
type VoiceIdentity struct {
	ID           string     `json:"id"`
	UserID       int64      `json:"user_id"`
	Name         string     `json:"name,omitempty"`
	Provider     string     `json:"provider"`
	CreatedAt    time.Time  `json:"created_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// Active reports whether the voice may be used for new synthesis.
func (v VoiceIdentity) Active() bool {
	return v.ID != "" && v.SupersededAt == nil
}

// AudioAsset is one synthesized artifact. Paths are never reused.
type AudioAsset struct {
	ID          string     `json:"id"`
	LinkID      string     `json:"link_id"`
	UserID      int64      `json:"user_id"`
	Path        string     `json:"path"`
	ContentType string     `json:"content_type"`
	Generation  int        `json:"generation"`
	ScriptHash  string     `json:"script_hash"`
	VoiceID     string     `json:"voice_id"`
	Size        int64      `json:"size"`
	CreatedAt   time.Time  `json:"created_at"`
	Stale       bool       `json:"stale,omitempty"`
	StaleReason string     `json:"stale_reason,omitempty"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
}

// Fresh reports whether the asset still matches the script and voice it was built from.
func (a *AudioAsset) Fresh() bool {
	return a != nil && !a.Stale && a.RetiredAt == nil
}

// RecordedVoiceID marks audio the user recorded themselves instead of a
// synthesized clip. Voice changes never make it stale.
const RecordedVoiceID = "user-recording"

// Recorded reports whether the asset is a user recording.
func (a *AudioAsset) Recorded() bool {
	return a != nil && a.VoiceID == RecordedVoiceID
}

// Matches reports whether the asset was synthesized from text with voiceID.
func (a *AudioAsset) Matches(text, voiceID string) bool {
	return a != nil && a.ScriptHash == HashText(text) && a.VoiceID == voiceID
}

// MarkStale flags the asset; it stays referenced until a new one replaces it.
func (a *AudioAsset) MarkStale(reason string) {
	if a == nil || a.Stale {
		return
	}
	a.Stale = true
	a.StaleReason = reason
}
