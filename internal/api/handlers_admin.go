package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/datagate/internal/auth"
	"github.com/org/datagate/internal/storage"
	"github.com/org/datagate/pkg/models"
)

// HealthHandler handles GET /
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK")) //nolint:errcheck
}

// CreateAPIKeyHandler handles POST /admin/api-keys. The route is public
// from the loopback address; remote callers must present a valid key.
func (s *Server) CreateAPIKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Purpose            models.Purpose              `json:"purpose"`
		Description        string                      `json:"description"`
		AllowedIPs         []string                    `json:"allowed_ips"`
		DataClassification []models.DataClassification `json:"data_classification"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key, err := s.keys.CreateKey(r.Context(), auth.CreateParams{
		Purpose:            req.Purpose,
		Description:        req.Description,
		AllowedIPs:         req.AllowedIPs,
		DataClassification: req.DataClassification,
		CreatedBy:          clientIP(r),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	keysIssuedTotal.Inc()

	// Best-effort event trail; key issuance must not fail on KV errors.
	if err := s.events.AppendEvent(r.Context(), models.Event{
		Type:      "apikey.created",
		Actor:     clientIP(r),
		Detail:    string(key.Purpose),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Msg("recording key creation event failed")
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"apiKey":  key.Key,
		"message": "API Key created successfully. Store it securely, it will not be shown again.",
	})
}

// AccessLogsHandler handles GET /admin/access-logs (Audit purpose).
func (s *Server) AccessLogsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requirePurpose(w, r, models.PurposeAudit); !ok {
		return
	}

	q := r.URL.Query()
	filter := storage.AccessLogFilter{
		Endpoint: q.Get("endpoint"),
		APIKey:   q.Get("api_key"),
		Limit:    100,
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = &t
	}

	meta := MetaFromCtx(r.Context())
	start := time.Now()
	entries, err := s.logs.QueryAccessLogs(r.Context(), filter)
	meta.RecordQuery(time.Since(start))
	if err != nil {
		log.Error().Err(err).Msg("access log query failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if entries == nil {
		entries = []models.AccessLog{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// requirePurpose gates a route handler on the authenticated key's purpose.
// It writes the rejection response itself and reports whether the handler
// may proceed. It is a pure gate: data is never filtered here.
func (s *Server) requirePurpose(w http.ResponseWriter, r *http.Request, want models.Purpose) (*models.APIKey, bool) {
	key := apiKeyFromCtx(r.Context())
	if err := auth.AssertPurpose(key, want); err != nil {
		if key == nil {
			writeError(w, http.StatusUnauthorized, "API key data is missing")
		} else {
			authFailuresTotal.WithLabelValues("purpose").Inc()
			writeError(w, http.StatusForbidden, auth.ErrWrongPurpose.Error())
		}
		return nil, false
	}
	return key, true
}
