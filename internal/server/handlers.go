package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/server/middleware"
)

const maxRequestBodySize = 1 << 20

// keepAliveInterval is how often an idle progress stream sends a comment.
const keepAliveInterval = 15 * time.Second

// CreateRecipeRequest is the body of POST /recipes.
type CreateRecipeRequest struct {
	SourceURL string `json:"source_url" validate:"required,url,max=2048"`
}

// CreateRecipeResponse acknowledges an accepted creation.
type CreateRecipeResponse struct {
	RecipeID uuid.UUID     `json:"recipe_id"`
	Status   recipe.Status `json:"status"`
}

// RecipeResponse describes a recipe.
type RecipeResponse struct {
	RecipeID  uuid.UUID     `json:"recipe_id"`
	SourceURL string        `json:"source_url"`
	Status    recipe.Status `json:"status"`
	Step      recipe.Step   `json:"step"`
	ViewCount int64         `json:"view_count"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ProgressResponse lists the progress entries of a recipe in order.
type ProgressResponse struct {
	RecipeID uuid.UUID              `json:"recipe_id"`
	Entries  []recipe.ProgressEntry `json:"entries"`
}

// ArtifactsResponse lists the stored stage payloads of a recipe.
type ArtifactsResponse struct {
	RecipeID  uuid.UUID         `json:"recipe_id"`
	Artifacts []recipe.Artifact `json:"artifacts"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error    string     `json:"error"`
	Code     string     `json:"code"`
	RecipeID *uuid.UUID `json:"recipe_id,omitempty"`
}

func toRecipeResponse(r *recipe.Recipe) RecipeResponse {
	return RecipeResponse{
		RecipeID:  r.ID,
		SourceURL: r.SourceURL,
		Status:    r.Status,
		Step:      r.Step,
		ViewCount: r.ViewCount,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// handleCreateRecipe claims the source URL, charges the caller and starts creation.
func (s *Server) handleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req CreateRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.validateRequest(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.recipes.Create(r.Context(), req.SourceURL, userID)
	if err != nil {
		var dup *recipe.DuplicateRequestError
		if errors.As(err, &dup) {
			s.jsonResponse(w, http.StatusConflict, ErrorResponse{
				Error:    "a recipe for this source url already exists",
				Code:     ErrorCode(err),
				RecipeID: &dup.RecipeID,
			})
			return
		}
		if id != uuid.Nil {
			// The claim on the source url survives a refused charge.
			msg := err.Error()
			if errors.Is(err, credit.ErrUnavailable) {
				msg = "credit service unavailable; the recipe was failed and its source url stays claimed"
			}
			s.jsonResponse(w, HTTPStatus(err), ErrorResponse{Error: msg, Code: ErrorCode(err), RecipeID: &id})
			return
		}
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/recipes/"+id.String())
	s.jsonResponse(w, http.StatusAccepted, CreateRecipeResponse{RecipeID: id, Status: recipe.StatusInProgress})
}

// validateRequest turns validator failures into an ErrValidation on the first field.
func (s *Server) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Field()
		if f, ok := jsonFieldNames[field]; ok {
			field = f
		}
		return &ErrValidation{Field: field, Message: "failed '" + fe.Tag() + "' check"}
	}
	return &ErrValidation{Field: "body", Message: err.Error()}
}

var jsonFieldNames = map[string]string{"SourceURL": "source_url"}

// handleListRecipes lists the caller's recipes, newest first.
func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	f := recipe.ListFilter{UserID: userID}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status := recipe.Status(v)
		if status != recipe.StatusInProgress && !status.Terminal() {
			s.writeError(w, r, &ErrValidation{Field: "status", Message: "must be IN_PROGRESS, SUCCESS or FAILED"})
			return
		}
		f.Status = status
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, r, &ErrValidation{Field: "limit", Message: "must be a positive integer"})
			return
		}
		f.Limit = limit
	}

	recipes, err := s.recipes.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]RecipeResponse, 0, len(recipes))
	for i := range recipes {
		out = append(out, toRecipeResponse(&recipes[i]))
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"recipes": out})
}

// handleGetRecipe returns a recipe, counting the view when it was created successfully.
func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recipeID(w, r)
	if !ok {
		return
	}
	rec, err := s.recipes.View(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, toRecipeResponse(rec))
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recipeID(w, r)
	if !ok {
		return
	}
	entries, err := s.recipes.Progress(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []recipe.ProgressEntry{}
	}
	s.jsonResponse(w, http.StatusOK, ProgressResponse{RecipeID: id, Entries: entries})
}

func (s *Server) handleGetArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recipeID(w, r)
	if !ok {
		return
	}
	artifacts, err := s.recipes.Artifacts(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if artifacts == nil {
		artifacts = []recipe.Artifact{}
	}
	s.jsonResponse(w, http.StatusOK, ArtifactsResponse{RecipeID: id, Artifacts: artifacts})
}

// handleCancelRecipe asks the owner's in-flight creation to stop.
func (s *Server) handleCancelRecipe(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	id, ok := s.recipeID(w, r)
	if !ok {
		return
	}

	rec, err := s.recipes.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.UserID != userID {
		s.writeError(w, r, ErrForbidden)
		return
	}
	if err := s.recipes.Cancel(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]any{"recipe_id": id, "status": "CANCELLING"})
}

// handleProgressStream replays the progress log as server-sent events and
// then polls for new entries until a terminal entry is sent.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.recipeID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if _, err := s.recipes.Status(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	after := int64(0)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if seq, err := strconv.ParseInt(v, 10, 64); err == nil && seq > 0 {
			after = seq
		}
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	lastWrite := time.Now()

	for {
		for entry, err := range s.recipes.Log().ReadAfter(ctx, id, after) {
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("failed to read progress", "recipe_id", id, "error", err)
					sse.WriteError("failed to read progress")
				}
				return
			}
			if err := sse.WriteEvent("progress", strconv.FormatInt(entry.Seq, 10), entry); err != nil {
				return
			}
			after = entry.Seq
			lastWrite = time.Now()
			if entry.Terminal() {
				sse.WriteComplete(id.String(), string(s.finalStatus(r, id, entry)))
				return
			}
		}

		// A terminal recipe whose last entry was never written still ends the stream.
		if rec, err := s.recipes.Status(ctx, id); err == nil && rec.Status.Terminal() {
			sse.WriteComplete(id.String(), string(rec.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Since(lastWrite) >= keepAliveInterval {
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
			lastWrite = time.Now()
		}
	}
}

// finalStatus reads the recipe status after a terminal entry, falling back to
// what the entry implies.
func (s *Server) finalStatus(r *http.Request, id uuid.UUID, entry recipe.ProgressEntry) recipe.Status {
	if rec, err := s.recipes.Status(r.Context(), id); err == nil && rec.Status.Terminal() {
		return rec.Status
	}
	if entry.Outcome == recipe.OutcomeSucceeded {
		return recipe.StatusSuccess
	}
	return recipe.StatusFailed
}

// recipeID parses the {id} path parameter, writing a 400 on failure.
func (s *Server) recipeID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid recipe id")
		return uuid.Nil, false
	}
	return id, true
}
