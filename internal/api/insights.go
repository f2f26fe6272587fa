package api

import (
	"errors"
	"net/http"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/insights"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/serverdb"
)

// RangeResponse is the JSON response for GET /v1/insights/range.
type RangeResponse struct {
	From string             `json:"from"`
	To   string             `json:"to"`
	Days []insights.Summary `json:"days"`
}

// StreakResponse is the JSON response for GET /v1/me/streak.
type StreakResponse struct {
	models.StreakState
	Today string `json:"today"`
}

// currentUser loads the authenticated user's row, writing the error response
// itself when that fails.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (*serverdb.User, bool) {
	auth := getUserFromContext(r.Context())
	u, err := serverdb.GetUser(r.Context(), s.store.Conn(), auth.UserID)
	if err != nil {
		writeServiceError(w, r, "load user", err)
		return nil, false
	}
	return u, true
}

// handleInsightsDay handles GET /v1/insights/day?date=. The date defaults to
// the user's today and accepts "today"/"yesterday".
func (s *Server) handleInsightsDay(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	date, err := day.Resolve(queryOr(r, "date", "today"), s.sync.Streaks().Today(u))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	sum, err := s.insights.ForDay(r.Context(), u.ID, date)
	if err != nil {
		writeServiceError(w, r, "day summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleInsightsRange handles GET /v1/insights/range?from=&to=. Both bounds
// are inclusive; to defaults to today and from to 30 days before to.
func (s *Server) handleInsightsRange(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	today := s.sync.Streaks().Today(u)

	to, err := day.Resolve(queryOr(r, "to", "today"), today)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "to: "+err.Error())
		return
	}
	from := r.URL.Query().Get("from")
	if from == "" {
		if from, err = day.AddDays(to, -29); err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
	} else if from, err = day.Resolve(from, today); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "from: "+err.Error())
		return
	}

	days, err := s.insights.ForRange(r.Context(), u.ID, from, to)
	if err != nil {
		if errors.Is(err, insights.ErrInvalidRange) {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		writeServiceError(w, r, "range summary", err)
		return
	}
	writeJSON(w, http.StatusOK, RangeResponse{From: from, To: to, Days: days})
}

// handleStreak handles GET /v1/me/streak. It returns the stored state; the
// streak is only recomputed when instances change.
func (s *Server) handleStreak(w http.ResponseWriter, r *http.Request) {
	u, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, StreakResponse{StreakState: u.Streak(), Today: s.sync.Streaks().Today(u)})
}

func queryOr(r *http.Request, name, def string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	return def
}
