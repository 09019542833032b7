package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	log   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log *zap.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, log: log.Named("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(rec CommentRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexComment(rec); err != nil {
			s.log.Warn("index comment", zap.String("id", rec.ID), zap.Error(err))
		}
	}()
}

// DeleteComment removes a comment from the search index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			s.log.Warn("delete comment from index", zap.String("id", id), zap.Error(err))
		}
	}()
}

// ReindexAllFromPG reads all live comments from PG and pushes them to Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexComments(records); err != nil {
		s.log.Warn("reindex comments", zap.Error(err))
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
