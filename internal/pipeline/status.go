package pipeline

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"pitchengine/internal/domain"
)

const (
	snapshotTTL = 10 * time.Minute
	failureTTL  = time.Hour
)

// Status is the read-only view shown while a link moves through the pipeline.
type Status struct {
	LinkID      string               `json:"link_id"`
	State       domain.PipelineState `json:"state"`
	ScriptState domain.ScriptState   `json:"script_state"`
	AudioStale  bool                 `json:"audio_stale"`
	PublishMode domain.PublishMode   `json:"publish_mode,omitempty"`
	LastFailure *domain.StageFailure `json:"last_failure,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// snapshots keeps the last committed copy of each link plus the last failure
// reported for it. Readers never take a link lock; they see either the
// previous or the next committed copy.
type snapshots struct {
	links    *gocache.Cache
	failures *gocache.Cache
}

func newSnapshots() *snapshots {
	return &snapshots{
		links:    gocache.New(snapshotTTL, 2*snapshotTTL),
		failures: gocache.New(failureTTL, 2*failureTTL),
	}
}

// put stores link as the committed copy. The caller must not mutate it afterwards.
func (s *snapshots) put(link domain.Link) {
	s.links.SetDefault(link.ID, link)
	if link.Failure == nil {
		return
	}
	s.failures.SetDefault(link.ID, *link.Failure)
}

func (s *snapshots) get(linkID string) (domain.Link, bool) {
	v, ok := s.links.Get(linkID)
	if !ok {
		return domain.Link{}, false
	}
	return v.(domain.Link), true
}

func (s *snapshots) drop(linkID string) {
	s.links.Delete(linkID)
	s.failures.Delete(linkID)
}

// remember records a failure that did not change the link's state.
func (s *snapshots) remember(linkID string, pe *domain.Error, at time.Time) {
	s.failures.SetDefault(linkID, domain.StageFailure{
		Stage:  pe.Stage,
		Code:   pe.Code,
		Reason: pe.UserMessage(),
		At:     at,
	})
}

// forget clears the failure memo after a successful operation.
func (s *snapshots) forget(linkID string) {
	s.failures.Delete(linkID)
}

func (s *snapshots) lastFailure(linkID string) *domain.StageFailure {
	v, ok := s.failures.Get(linkID)
	if !ok {
		return nil
	}
	f := v.(domain.StageFailure)
	return &f
}

func statusOf(link domain.Link, lastFailure *domain.StageFailure) Status {
	st := Status{
		LinkID:      link.ID,
		State:       link.State,
		ScriptState: link.ScriptState,
		AudioStale:  link.Audio != nil && !link.Audio.Fresh(),
		PublishMode: link.PublishMode,
		LastFailure: lastFailure,
		UpdatedAt:   link.UpdatedAt,
	}
	if link.Failure != nil {
		st.LastFailure = link.Failure
	}
	return st
}
