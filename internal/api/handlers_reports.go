package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/datagate/pkg/models"
)

// Report handlers. Each one asserts the route's required purpose, runs a
// single parametrized read scoped to the key's data classifications, and
// records the query duration plus the touched resource identifiers into
// the request metadata for the access log.

// CustomersHandler handles GET /customers. Any valid key may call it; the
// projection depends on the key's purpose.
func (s *Server) CustomersHandler(w http.ResponseWriter, r *http.Request) {
	key := apiKeyFromCtx(r.Context())
	if key == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required.")
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	customers, err := s.reports.Customers(r.Context(), key.Purpose)
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("customers query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	for _, c := range customers {
		meta.AddResource("customer", c.CustomerID)
	}
	writeJSON(w, http.StatusOK, emptyIfNil(customers))
}

// TopSpendingHandler handles GET /customers/top-spending (Marketing).
func (s *Server) TopSpendingHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requirePurpose(w, r, models.PurposeMarketing)
	if !ok {
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	rows, err := s.reports.TopSpendingCustomers(r.Context(), key.Classifications())
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("top spenders query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	for _, row := range rows {
		meta.AddResource("customer", row.CustomerID)
	}
	writeJSON(w, http.StatusOK, emptyIfNil(rows))
}

// MostExpensiveHandler handles GET /transactions/most-expensive (Marketing).
func (s *Server) MostExpensiveHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requirePurpose(w, r, models.PurposeMarketing)
	if !ok {
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	rows, err := s.reports.MostExpensiveTransactions(r.Context(), key.Classifications())
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("most expensive transactions query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	for _, row := range rows {
		meta.AddResource("transaction", row.TransactionID)
	}
	writeJSON(w, http.StatusOK, emptyIfNil(rows))
}

// TimelineHandler handles GET /transactions/timeline (Audit).
func (s *Server) TimelineHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requirePurpose(w, r, models.PurposeAudit)
	if !ok {
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	rows, err := s.reports.TransactionTimeline(r.Context(), key.Classifications())
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("timeline query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(rows))
}

// StatusDistributionHandler handles GET /transactions/status-distribution (Audit).
func (s *Server) StatusDistributionHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requirePurpose(w, r, models.PurposeAudit)
	if !ok {
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	rows, err := s.reports.StatusDistribution(r.Context(), key.Classifications())
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("status distribution query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(rows))
}

// ClassificationCountsHandler handles GET /transactions/classification-counts (System).
func (s *Server) ClassificationCountsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requirePurpose(w, r, models.PurposeSystem); !ok {
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	rows, err := s.reports.ClassificationCounts(r.Context())
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("classification counts query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(rows))
}

// RecentTransactionsHandler handles GET /transactions/recent (System).
func (s *Server) RecentTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	key, ok := s.requirePurpose(w, r, models.PurposeSystem)
	if !ok {
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	rows, err := s.reports.RecentTransactions(r.Context(), key.Classifications())
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("recent transactions query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	for _, row := range rows {
		meta.AddResource("transaction", row.TransactionID)
	}
	writeJSON(w, http.StatusOK, emptyIfNil(rows))
}

// RecentEventsHandler handles GET /events/recent (System).
func (s *Server) RecentEventsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requirePurpose(w, r, models.PurposeSystem); !ok {
		return
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	events, err := s.events.RecentEvents(r.Context(), 100)
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("recent events query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, emptyIfNil(events))
}

// emptyIfNil keeps empty result sets serializing as [] rather than null.
func emptyIfNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
