package search

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Service is the facade that tries the engine first and falls back to PG FTS.
type Service struct {
	engine   Engine
	fallback Searcher
	log      zerolog.Logger
	pending  sync.WaitGroup

	mu       sync.Mutex
	queue    []indexJob
	draining bool
}

type indexJob struct {
	op string
	id string
	fn func(Engine) error
}

// NewService creates a search service. engine may be nil if Meilisearch is
// not configured.
func NewService(engine Engine, fallback Searcher, logger zerolog.Logger) *Service {
	return &Service{
		engine:   engine,
		fallback: fallback,
		log:      logger.With().Str("component", "search").Logger(),
	}
}

// Search tries the engine if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	q.Limit = min(q.Limit, maxLimit)
	q.Offset = max(q.Offset, 0)
	empty := Response{Results: []Result{}, Total: 0, Query: q.Text}
	if q.Text == "" || len(q.TeamIDs) == 0 {
		return empty
	}

	if s.engine != nil && s.engine.Healthy() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("engine error, falling back to postgres fts")
	}

	if s.fallback == nil {
		return empty
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("postgres fts failed")
		return empty
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) IndexProject(p ProjectRecord) {
	s.async("index project", p.ID, func(e Engine) error {
		return e.IndexProjects([]ProjectRecord{p})
	})
}

func (s *Service) IndexComment(c CommentRecord) {
	s.async("index comment", c.ID, func(e Engine) error {
		return e.IndexComments([]CommentRecord{c})
	})
}

func (s *Service) DeleteProject(id string) {
	s.async("delete project", id, func(e Engine) error {
		return e.DeleteProject(id)
	})
}

func (s *Service) DeleteComment(id string) {
	s.async("delete comment", id, func(e Engine) error {
		return e.DeleteComment(id)
	})
}

// async queues fn for the background worker when the engine is up. Jobs run
// one at a time in submission order, so a delete never overtakes the index
// call it follows. Failures are only logged; postgres remains searchable
// through the fallback.
func (s *Service) async(op, id string, fn func(Engine) error) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	s.pending.Add(1)
	s.mu.Lock()
	s.queue = append(s.queue, indexJob{op: op, id: id, fn: fn})
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()
	go s.drain()
}

func (s *Service) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue[0] = indexJob{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := job.fn(s.engine); err != nil {
			s.log.Warn().Err(err).Str("id", job.id).Msg(job.op)
		}
		s.pending.Done()
	}
}

// Wait blocks until background index updates have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ReindexAll pushes every record to the engine. Called at startup.
func (s *Service) ReindexAll(projects []ProjectRecord, comments []CommentRecord) {
	if s.engine == nil || !s.engine.Healthy() {
		return
	}
	if len(projects) > 0 {
		if err := s.engine.IndexProjects(projects); err != nil {
			s.log.Warn().Err(err).Msg("reindex projects")
		}
	}
	if len(comments) > 0 {
		if err := s.engine.IndexComments(comments); err != nil {
			s.log.Warn().Err(err).Msg("reindex comments")
		}
	}
	s.log.Info().Int("projects", len(projects)).Int("comments", len(comments)).Msg("reindex complete")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
