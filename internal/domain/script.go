package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Slot names a script length variant.
type Slot string

const (
	SlotBrief          Slot = "brief"
	SlotStandard       Slot = "standard"
	SlotConversational Slot = "conversational"
	SlotCustom         Slot = "custom"
)

// GeneratedSlots are the slots produced by a generation round, in display order.
var GeneratedSlots = []Slot{SlotBrief, SlotStandard, SlotConversational}

// MaxWords returns the word budget of a generated slot, or 0 if the slot has none.
func (s Slot) MaxWords() int {
	switch s {
	case SlotBrief:
		return 15
	case SlotStandard:
		return 40
	case SlotConversational:
		return 60
	}
	return 0
}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	return s.MaxWords() > 0 || s == SlotCustom
}

// Custom text bounds. Outside of them a warning is returned, never a rejection.
const (
	CustomMinWords = 30
	CustomMaxWords = 90
)

// ScriptState is the selection state machine of a link's scripts.
type ScriptState string

const (
	ScriptNone      ScriptState = "NO_SCRIPT"
	ScriptGenerated ScriptState = "GENERATED"
	ScriptSelected  ScriptState = "SELECTED"
	ScriptStale     ScriptState = "STALE"
)

// ScriptCandidate is one generated variation.
type ScriptCandidate struct {
	Slot        Slot   `json:"slot"`
	Text        string `json:"text"`
	TargetWords int    `json:"target_words"`
	Provider    string `json:"provider"`
	WordCount   int    `json:"word_count"`
	Attempts    int    `json:"attempts"`
}

// ScriptSet is the result of one generation round. It is replaced as a whole.
type ScriptSet struct {
	Round       int               `json:"round"`
	Provider    string            `json:"provider"`
	Candidates  []ScriptCandidate `json:"candidates"`
	Failed      []Slot            `json:"failed,omitempty"`
	ContextHash string            `json:"context_hash"`
	Degraded    bool              `json:"degraded,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Candidate returns the candidate for slot.
func (s *ScriptSet) Candidate(slot Slot) (ScriptCandidate, bool) {
	if s == nil {
		return ScriptCandidate{}, false
	}
	for _, c := range s.Candidates {
		if c.Slot == slot {
			return c, true
		}
	}
	return ScriptCandidate{}, false
}

// CountWords counts whitespace separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

// HashText returns a stable digest of text, ignoring surrounding whitespace.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// ContextHash digests everything a generation round depends on.
func ContextHash(url, title string, content *ScrapedContent, bio string) string {
	var b strings.Builder
	b.WriteString(url)
	b.WriteByte(0)
	b.WriteString(title)
	b.WriteByte(0)
	if content != nil {
		b.WriteString(content.Title)
		b.WriteByte(0)
		b.WriteString(content.Description)
		b.WriteByte(0)
		b.WriteString(strings.Join(content.Headings, "\n"))
		b.WriteByte(0)
		b.WriteString(content.Excerpt)
		b.WriteByte(0)
		b.WriteString(string(content.LinkType))
	}
	b.WriteByte(0)
	b.WriteString(bio)
	return HashText(b.String())
}
