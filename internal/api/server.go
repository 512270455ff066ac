// Package api exposes the read-only HTTP surface: track registry lookups,
// signal and score history, the leaderboard, and the emerging set.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/chartpulse/chartpulse/internal/core/domain"
	apperrors "github.com/chartpulse/chartpulse/internal/core/errors"
	"github.com/chartpulse/chartpulse/internal/engine/ranker"
	"github.com/chartpulse/chartpulse/internal/store"
)

const (
	defaultPageSize     = 50
	maxPageSize         = 200
	defaultLeaderboard  = 20
	readHeaderTimeout   = 5 * time.Second
	shutdownGracePeriod = 10 * time.Second
)

// Storage is the read surface the API needs.
type Storage interface {
	store.TrackStore
	store.SignalStore
	store.ScoreStore
	store.MembershipStore
}

// Server serves the JSON API.
type Server struct {
	storage Storage
	ranker  *ranker.Ranker
	port    int
	logger  *zerolog.Logger
}

// NewServer wires the API over storage and the live ranker.
func NewServer(storage Storage, rk *ranker.Ranker, port int, logger *zerolog.Logger) *Server {
	return &Server{storage: storage, ranker: rk, port: port, logger: logger}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /tracks", s.handleListTracks)
	mux.HandleFunc("GET /tracks/{id}", s.handleGetTrack)
	mux.HandleFunc("GET /tracks/{id}/history", s.handleTrackHistory)
	mux.HandleFunc("GET /tracks/{id}/scores", s.handleTrackScores)
	mux.HandleFunc("GET /leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /emerging", s.handleEmerging)
	mux.HandleFunc("GET /stats", s.handleStats)

	return mux
}

// Start runs the API server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("api server shutdown")
		}
	}()

	s.logger.Info().Int("port", s.port).Msg("api server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}

	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"service": "chartpulse",
		"status":  "ok",
	})
}

func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultPageSize, maxPageSize)
	offset := queryInt(r, "offset", 0, 1<<30)

	tracks, err := s.storage.ListTracks(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)

		return
	}

	total, err := s.storage.CountTracks(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tracks": trackViews(tracks),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	track, err := s.storage.GetTrack(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, trackView(track))
}

func (s *Server) handleTrackHistory(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("id")

	if _, err := s.storage.GetTrack(r.Context(), trackID); err != nil {
		s.writeError(w, err)

		return
	}

	source := domain.Source(r.URL.Query().Get("source"))
	if source != "" && !source.Valid() {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown source %q", source)})

		return
	}

	since, ok := queryTime(w, r, "since")
	if !ok {
		return
	}

	history, err := s.storage.History(r.Context(), trackID, source, since)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"track_id": trackID,
		"signals":  signalViews(history),
	})
}

func (s *Server) handleTrackScores(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("id")

	if _, err := s.storage.GetTrack(r.Context(), trackID); err != nil {
		s.writeError(w, err)

		return
	}

	since, ok := queryTime(w, r, "since")
	if !ok {
		return
	}

	scores, err := s.storage.ScoreHistory(r.Context(), trackID, since)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"track_id": trackID,
		"scores":   scoreViews(scores),
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultLeaderboard, maxPageSize)

	snap := s.ranker.Leaderboard(limit)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"computed_at": snap.ComputedAt,
		"entries":     entryViews(snap.Entries),
	})
}

func (s *Server) handleEmerging(w http.ResponseWriter, r *http.Request) {
	memberships, err := s.storage.ActiveMemberships(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	entered := make(map[string]time.Time, len(memberships))
	for _, m := range memberships {
		entered[m.TrackID] = m.EnteredAt
	}

	entries := s.ranker.Emerging()
	views := make([]emergingView, 0, len(entries))

	for _, entry := range entries {
		views = append(views, emergingView{
			entryView: entryView{
				TrackID:            entry.TrackID,
				Score:              entry.Score,
				State:              string(entry.State),
				BonusApplied:       entry.BonusApplied,
				Sources:            sourceStrings(entry.ContributingSources),
				QualifyingSignalAt: entry.QualifyingSignalAt,
			},
			EnteredAt: entered[entry.TrackID],
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"emerging": views})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tracks, err := s.storage.CountTracks(ctx)
	if err != nil {
		s.writeError(w, err)

		return
	}

	signals, err := s.storage.CountSignals(ctx)
	if err != nil {
		s.writeError(w, err)

		return
	}

	members, err := s.storage.CountActiveMemberships(ctx)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tracks":       tracks,
		"signals":      signals,
		"emerging_set": members,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("encoding api response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrTrackNotFound), errors.Is(err, apperrors.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "track not found"})
	default:
		s.logger.Error().Err(err).Msg("api storage error")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func queryInt(r *http.Request, name string, fallback, ceiling int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}

	if value > ceiling {
		return ceiling
	}

	return value
}

// queryTime parses an optional RFC3339 query parameter. A malformed value
// writes a 400 and reports not-ok.
func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": fmt.Sprintf("invalid %s, want RFC3339", name)})

		return time.Time{}, false
	}

	return parsed.UTC(), true
}
