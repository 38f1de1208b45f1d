// Package scripts owns the generated and selected scripts of a link and the
// NO_SCRIPT -> GENERATED -> SELECTED -> STALE state machine over them.
//
// Manager mutates a *domain.Link in memory only. Callers hold the link's
// critical section and persist the result in one write.
package scripts

import (
	"fmt"
	"strings"
	"time"

	"pitchengine/internal/domain"
)

// Choice is what the user picked: a generated slot or literal text.
type Choice struct {
	Slot domain.Slot `json:"slot,omitempty"`
	Text string      `json:"text,omitempty"`
}

// IsCustom reports whether the choice carries literal text.
func (c Choice) IsCustom() bool {
	return c.Slot == "" || c.Slot == domain.SlotCustom
}

// Manager applies script transitions to links.
type Manager struct {
	now func() time.Time
}

// NewManager creates a Manager.
func NewManager() *Manager {
	return &Manager{now: time.Now}
}

// CanGenerate reports whether a generation round with the given context hash may
// start. From SELECTED a round is only allowed when the context changed; the
// link is then marked STALE first.
func (m *Manager) CanGenerate(link *domain.Link, contextHash string) error {
	switch link.ScriptState {
	case "", domain.ScriptNone, domain.ScriptGenerated, domain.ScriptStale:
		return nil
	case domain.ScriptSelected:
		if link.Scripts == nil || link.Scripts.ContextHash != contextHash {
			link.ScriptState = domain.ScriptStale
			return nil
		}
		return domain.NewError(domain.StageGenerate, domain.CodeInvalidTransition,
			"a script is already selected and nothing it was generated from has changed", nil)
	}
	return domain.NewError(domain.StageGenerate, domain.CodeInvalidTransition,
		fmt.Sprintf("cannot generate from %s", link.ScriptState), nil)
}

// Replace installs a new set as a whole, replacing any previous set. The
// selection pointer is cleared because it referred to the old set; the
// selected text itself is kept until the user selects again.
func (m *Manager) Replace(link *domain.Link, set domain.ScriptSet) error {
	if len(set.Candidates) == 0 {
		return domain.NewError(domain.StageGenerate, domain.CodeGenerationFailed, "empty script set", nil)
	}
	if err := m.CanGenerate(link, set.ContextHash); err != nil {
		return err
	}
	round := 1
	if link.Scripts != nil {
		round = link.Scripts.Round + 1
	}
	set.Round = round
	if set.CreatedAt.IsZero() {
		set.CreatedAt = m.now()
	}
	link.Scripts = &set
	link.ScriptState = domain.ScriptGenerated
	if link.SelectedSlot != domain.SlotCustom {
		link.SelectedSlot = ""
	}
	return nil
}

// Select points the link at a generated candidate or at literal text. Slots can
// only be picked from a freshly GENERATED set; literal text is accepted from any
// state. The current audio is marked stale when the selected text changes.
// The returned warnings never block the selection.
func (m *Manager) Select(link *domain.Link, choice Choice) ([]*domain.Error, error) {
	var (
		text     string
		slot     domain.Slot
		warnings []*domain.Error
	)

	if choice.IsCustom() {
		text = normalize(choice.Text)
		if text == "" {
			return nil, domain.NewError(domain.StageSelect, domain.CodeInvalidInput, "script text is empty", nil)
		}
		slot = domain.SlotCustom
		if w := CheckCustomLength(text); w != nil {
			warnings = append(warnings, w)
		}
	} else {
		if !choice.Slot.Valid() {
			return nil, domain.NewError(domain.StageSelect, domain.CodeInvalidInput, fmt.Sprintf("unknown slot %q", choice.Slot), nil)
		}
		if link.ScriptState != domain.ScriptGenerated {
			return nil, domain.NewError(domain.StageSelect, domain.CodeInvalidTransition,
				fmt.Sprintf("slots can only be selected from freshly generated scripts, scripts are %s", stateName(link.ScriptState)), nil)
		}
		candidate, ok := link.Scripts.Candidate(choice.Slot)
		if !ok {
			return nil, domain.NewError(domain.StageSelect, domain.CodeInvalidInput,
				fmt.Sprintf("slot %q is not in the current script set", choice.Slot), nil)
		}
		text = candidate.Text
		slot = candidate.Slot
	}

	if link.Audio != nil && link.Audio.ScriptHash != domain.HashText(text) {
		link.Audio.MarkStale("selected script changed")
	}
	link.SelectedScript = text
	link.SelectedSlot = slot
	link.ScriptState = domain.ScriptSelected
	return warnings, nil
}

// Invalidate flags the current set as STALE after the content it was generated
// from was replaced. The selected text is kept.
func (m *Manager) Invalidate(link *domain.Link) bool {
	if link.ScriptState == domain.ScriptGenerated || link.ScriptState == domain.ScriptSelected {
		link.ScriptState = domain.ScriptStale
		return true
	}
	return false
}

// CheckCustomLength returns a warning when text is outside the recommended range.
func CheckCustomLength(text string) *domain.Error {
	n := domain.CountWords(text)
	if n >= domain.CustomMinWords && n <= domain.CustomMaxWords {
		return nil
	}
	return domain.NewError(domain.StageSelect, domain.CodeInvalidInput,
		fmt.Sprintf("custom script has %d words, %d to %d reads best", n, domain.CustomMinWords, domain.CustomMaxWords), nil).Degrade()
}

func normalize(text string) string {
	return strings.TrimSpace(text)
}

func stateName(s domain.ScriptState) string {
	if s == "" {
		return string(domain.ScriptNone)
	}
	return string(s)
}
