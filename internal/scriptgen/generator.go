package scriptgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

// maxAttempts is the first call plus one retry with a length reminder.
const maxAttempts = 2

// Gate admits one outbound call to a provider.
type Gate interface {
	Allow(ctx context.Context, stage domain.Stage, provider string) error
}

// Generator turns a Request into a ScriptSet using a single backend.
type Generator struct {
	backend Backend
	timeout time.Duration
	gate    Gate
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewGenerator binds a generator to backend. Every backend call is bounded by timeout.
func NewGenerator(backend Backend, timeout time.Duration, logger logrus.FieldLogger) *Generator {
	return &Generator{
		backend: backend,
		timeout: timeout,
		log:     logger.WithFields(logrus.Fields{"component": "scriptgen", "provider": backend.Name()}),
		now:     time.Now,
	}
}

// SetGate makes every retry call pass through gate. The first call of a round
// is admitted by the caller.
func (g *Generator) SetGate(gate Gate) {
	g.gate = gate
}

// Provider returns the identity of the bound backend.
func (g *Generator) Provider() string {
	return g.backend.Name()
}

// Generate produces one candidate per requested slot. Candidates over their word
// budget are retried once with a reminder; slots that fail twice, or whose retry
// is not admitted by the gate, are listed in ScriptSet.Failed and never
// truncated. A backend error aborts the whole round.
func (g *Generator) Generate(ctx context.Context, req Request) (domain.ScriptSet, error) {
	slots := req.Slots
	if len(slots) == 0 {
		slots = domain.GeneratedSlots
	}
	for _, s := range slots {
		if s.MaxWords() == 0 {
			return domain.ScriptSet{}, domain.NewError(domain.StageGenerate, domain.CodeInvalidInput, fmt.Sprintf("slot %q cannot be generated", s), nil)
		}
	}

	log := g.log.WithField("url", req.URL)
	accepted := make(map[domain.Slot]domain.ScriptCandidate, len(slots))
	pending := slots

	for attempt := 1; attempt <= maxAttempts && len(pending) > 0; attempt++ {
		if attempt > 1 && g.gate != nil {
			if err := g.gate.Allow(ctx, domain.StageGenerate, g.backend.Name()); err != nil {
				if len(accepted) == 0 {
					return domain.ScriptSet{}, err
				}
				log.WithError(err).WithField("pending", joinSlots(pending)).Warn("Retry not admitted")
				break
			}
		}
		output, err := g.complete(ctx, buildPrompt(req, pending, attempt > 1))
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("Generation call failed")
			return domain.ScriptSet{}, err
		}

		texts := parseScripts(output, pending)
		var rejected []domain.Slot
		for _, slot := range pending {
			text := texts[slot]
			words := domain.CountWords(text)
			if words == 0 || words > slot.MaxWords() {
				log.WithFields(logrus.Fields{
					"slot":    slot,
					"words":   words,
					"limit":   slot.MaxWords(),
					"attempt": attempt,
				}).Info("Rejected candidate")
				rejected = append(rejected, slot)
				continue
			}
			accepted[slot] = domain.ScriptCandidate{
				Slot:        slot,
				Text:        text,
				TargetWords: slot.MaxWords(),
				Provider:    g.backend.Name(),
				WordCount:   words,
				Attempts:    attempt,
			}
		}
		pending = rejected
	}

	set := domain.ScriptSet{
		Provider:    g.backend.Name(),
		ContextHash: req.ContextHash(),
		Degraded:    req.Content == nil,
		CreatedAt:   g.now(),
		Failed:      pending,
	}
	for _, slot := range slots {
		if c, ok := accepted[slot]; ok {
			set.Candidates = append(set.Candidates, c)
		}
	}

	if len(set.Candidates) == 0 {
		return set, domain.NewError(domain.StageGenerate, domain.CodeGenerationFailed,
			fmt.Sprintf("no slot met its word budget after %d attempts: %s", maxAttempts, joinSlots(pending)), nil).
			WithProvider(g.backend.Name())
	}

	log.WithFields(logrus.Fields{
		"candidates": len(set.Candidates),
		"failed":     len(set.Failed),
		"degraded":   set.Degraded,
	}).Info("Scripts generated")
	return set, nil
}

func (g *Generator) complete(ctx context.Context, prompt Prompt) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.backend.Complete(callCtx, prompt)
	if err != nil {
		if pe, ok := domain.AsError(err); ok {
			return "", pe
		}
		return "", callError(callCtx, g.backend.Name(), err)
	}
	return out, nil
}

func joinSlots(slots []domain.Slot) string {
	names := make([]string, len(slots))
	for i, s := range slots {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
