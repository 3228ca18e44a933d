package wager

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/brdg/exchange-engine/internal/auth"
)

// CreateQuestionRequest is the JSON body for POST /questions.
type CreateQuestionRequest struct {
	Text string `json:"text"`
}

// PlaceWagerRequest is the JSON body for POST /questions/{questionID}/wagers.
type PlaceWagerRequest struct {
	Yes    bool            `json:"yes"`
	Amount decimal.Decimal `json:"amount"`
}

// ResolveRequest is the JSON body for POST /questions/{questionID}/resolve.
type ResolveRequest struct {
	CorrectYes bool `json:"correct_yes"`
}

// HandleCreateQuestion handles POST /api/v1/questions.
func (s *Service) HandleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	var req CreateQuestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := s.CreateQuestion(r.Context(), userID, req.Text)
	if errors.Is(err, ErrEmptyQuestion) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, "failed to create question", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

// HandleListQuestions handles GET /api/v1/questions.
func (s *Service) HandleListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := s.QuestionsWithOdds(r.Context())
	if err != nil {
		writeError(w, "failed to list questions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

// HandlePlaceWager handles POST /api/v1/questions/{questionID}/wagers.
func (s *Service) HandlePlaceWager(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	questionID := chi.URLParam(r, "questionID")

	var req PlaceWagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wg, err := s.PlaceWager(r.Context(), userID, questionID, req.Yes, req.Amount)
	if err != nil {
		writeError(w, err.Error(), wagerStatus(err))
		return
	}
	writeJSON(w, http.StatusCreated, wg)
}

// HandleTotalWagered handles GET /api/v1/wagers/total.
func (s *Service) HandleTotalWagered(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}

	total, err := s.TotalWagered(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to sum wagers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"total_wagered": total})
}

// HandleResolve handles POST /api/v1/questions/{questionID}/resolve.
func (s *Service) HandleResolve(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, "not authenticated", http.StatusUnauthorized)
		return
	}
	questionID := chi.URLParam(r, "questionID")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.Resolve(r.Context(), userID, questionID, req.CorrectYes); err != nil {
		writeError(w, err.Error(), wagerStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// wagerStatus maps a wager error to its HTTP status.
func wagerStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, ErrQuestionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrCreatorCannotWager),
		errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, ErrNotCreator):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
