package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

// BatchItem is the outcome for one link of a batch flow.
type BatchItem struct {
	LinkID   string               `json:"link_id"`
	State    domain.PipelineState `json:"state,omitempty"`
	Skipped  bool                 `json:"skipped,omitempty"`
	Error    string               `json:"error,omitempty"`
	Warnings []string             `json:"warnings,omitempty"`
	Err      *domain.Error        `json:"-"`
}

// BatchReport lists per-link outcomes in the order links were listed.
type BatchReport struct {
	Items     []BatchItem `json:"items"`
	Cancelled bool        `json:"cancelled"`
}

// Succeeded counts links whose operation completed.
func (r BatchReport) Succeeded() int {
	n := 0
	for _, it := range r.Items {
		if !it.Skipped && it.Err == nil {
			n++
		}
	}
	return n
}

type linkOp func(ctx context.Context, linkID string) (Result, error)

// GenerateAll generates scripts for every link of the user. Links whose
// selected script is still current are skipped.
func (o *Orchestrator) GenerateAll(ctx context.Context, userID int64, bio string) (BatchReport, error) {
	links, err := o.ListLinks(ctx, userID)
	if err != nil {
		return BatchReport{}, err
	}
	return o.runBatch(ctx, "generate_all", links, nil, func(ctx context.Context, linkID string) (Result, error) {
		return o.GenerateScripts(ctx, linkID, bio)
	}), nil
}

// SynthesizeAll synthesizes audio for every link of the user that has a
// selected script.
func (o *Orchestrator) SynthesizeAll(ctx context.Context, userID int64) (BatchReport, error) {
	links, err := o.ListLinks(ctx, userID)
	if err != nil {
		return BatchReport{}, err
	}
	eligible := func(l domain.Link) bool { return l.HasSelection() }
	return o.runBatch(ctx, "synthesize_all", links, eligible, o.SynthesizeAudio), nil
}

// runBatch dispatches op over links on a bounded pool. Cancelling ctx stops
// dispatch; an operation that already started runs to completion so no link
// is left half-written.
func (o *Orchestrator) runBatch(ctx context.Context, name string, links []domain.Link, eligible func(domain.Link) bool, op linkOp) BatchReport {
	log := o.log.WithFields(logrus.Fields{"batch": name, "links": len(links)})
	report := BatchReport{Items: make([]BatchItem, len(links))}

	pool, err := ants.NewPool(o.cfg.BatchConcurrency, ants.WithPanicHandler(func(p interface{}) {
		log.WithField("panic", p).Error("Panic in batch worker")
	}))
	if err != nil {
		log.WithError(err).Error("Failed to create worker pool")
		for i, l := range links {
			report.Items[i] = failedItem(l.ID, domain.NewError(domain.StageStore, domain.CodeInternal, "worker pool unavailable", err))
		}
		return report
	}
	defer pool.Release()

	var (
		wg     sync.WaitGroup
		runCtx = context.WithoutCancel(ctx)
	)
	for i, l := range links {
		report.Items[i] = BatchItem{LinkID: l.ID, Skipped: true, Error: "not started"}
		if eligible != nil && !eligible(l) {
			report.Items[i].Error = "not eligible"
			continue
		}
		if ctx.Err() != nil {
			report.Items[i].Error = "cancelled"
			continue
		}

		i, linkID := i, l.ID
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				report.Items[i].Error = "cancelled"
				return
			}
			res, err := op(runCtx, linkID)
			report.Items[i] = itemFrom(linkID, res, err)
		})
		if err != nil {
			wg.Done()
			report.Items[i] = failedItem(linkID, domain.NewError(domain.StageStore, domain.CodeInternal, "failed to dispatch", err))
		}
	}
	wg.Wait()

	report.Cancelled = ctx.Err() != nil
	log.WithFields(logrus.Fields{
		"succeeded": report.Succeeded(),
		"cancelled": report.Cancelled,
	}).Info("Batch finished")
	return report
}

func itemFrom(linkID string, res Result, err error) BatchItem {
	if err != nil {
		pe, ok := domain.AsError(err)
		if !ok {
			pe = domain.NewError(domain.StageStore, domain.CodeInternal, "unexpected failure", err)
		}
		if pe.Code == domain.CodeInvalidTransition {
			return BatchItem{LinkID: linkID, State: res.Link.State, Skipped: true, Error: pe.UserMessage()}
		}
		item := failedItem(linkID, pe)
		item.State = res.Link.State
		return item
	}
	item := BatchItem{LinkID: linkID, State: res.Link.State}
	for _, w := range res.Warnings {
		item.Warnings = append(item.Warnings, w.UserMessage())
	}
	return item
}

func failedItem(linkID string, pe *domain.Error) BatchItem {
	return BatchItem{LinkID: linkID, Error: pe.UserMessage(), Err: pe}
}

// String summarizes the report for chat replies.
func (r BatchReport) String() string {
	failed, skipped := 0, 0
	for _, it := range r.Items {
		switch {
		case it.Err != nil:
			failed++
		case it.Skipped:
			skipped++
		}
	}
	s := fmt.Sprintf("%d done, %d failed, %d skipped", r.Succeeded(), failed, skipped)
	if r.Cancelled {
		s += " (cancelled)"
	}
	return s
}
