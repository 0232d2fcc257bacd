// Package bloghttp exposes the blog over HTTP. Reads go through the
// regeneration cache; writes go through the mutation pipeline.
package bloghttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/miniblog-server/internal/blog"
	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/pipeline"
	"github.com/keithlinneman/miniblog-server/internal/regencache"
)

// API serves rendered posts and the authenticated write endpoint.
type API struct {
	cache    *regencache.Cache
	render   regencache.RenderFunc
	pipeline *pipeline.Pipeline
	readOpts regencache.Options
	logger   log.Logger
	writeMW  func(http.Handler) http.Handler
}

func NewAPI(cache *regencache.Cache, render regencache.RenderFunc, p *pipeline.Pipeline, readOpts regencache.Options, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		cache:    cache,
		render:   render,
		pipeline: p,
		readOpts: readOpts,
		logger:   logger,
	}
}

// SetWriteMiddleware wraps only the mutation endpoint. Reads are served
// from cache and stay unthrottled.
func (api *API) SetWriteMiddleware(mw func(http.Handler) http.Handler) {
	api.writeMW = mw
}

// RegisterRoutes attaches the blog endpoints to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Get("/posts/{id}", api.HandlePostPage)
	r.Get("/posts/{id}/summary", api.HandlePostSummary)

	var write http.Handler = http.HandlerFunc(api.HandleMutation)
	if api.writeMW != nil {
		write = api.writeMW(write)
	}
	r.Method(http.MethodPost, "/api/posts", write)
}

// MutationRequest is the write endpoint's body. Title and Body are
// pointers so clients can distinguish "set to empty" from "unchanged".
type MutationRequest struct {
	Operation       string    `json:"operation"`
	PostID          uuid.UUID `json:"post_id,omitempty"`
	ExpectedVersion int64     `json:"expected_version,omitempty"`
	Title           *string   `json:"title,omitempty"`
	Body            *string   `json:"body,omitempty"`
}

// PostResponse is the acknowledged post state after a write.
type PostResponse struct {
	ID        uuid.UUID `json:"id"`
	AuthorID  string    `json:"author_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
}

// ErrorResponse carries the error taxonomy over the wire so clients can
// decide whether to retry.
type ErrorResponse struct {
	ErrorKind string `json:"error_kind"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

// HandlePostPage serves the rendered post page.
func (api *API) HandlePostPage(w http.ResponseWriter, r *http.Request) {
	api.serveArtifact(w, r, blog.VariantPage)
}

// HandlePostSummary serves the rendered summary card.
func (api *API) HandlePostSummary(w http.ResponseWriter, r *http.Request) {
	api.serveArtifact(w, r, blog.VariantSummary)
}

func (api *API) serveArtifact(w http.ResponseWriter, r *http.Request, variant blog.Variant) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		api.writeError(ctx, w, blog.Validationf("invalid post id"))
		return
	}

	key := blog.CacheKey{PostID: id, Variant: variant}
	payload, err := api.cache.Get(ctx, key.String(), api.render, api.readOpts)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		api.logger.Warn(ctx, "failed to write artifact", "error", err, "key", key.String())
	}
}

// HandleMutation decodes a write request, runs it through the pipeline
// and acknowledges with the new post state.
func (api *API) HandleMutation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cred, ok := bearerToken(r)
	if !ok {
		api.writeError(ctx, w, blog.Authf("missing bearer credential"))
		return
	}

	var body MutationRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		api.writeError(ctx, w, blog.Validationf("invalid request body: %v", err))
		return
	}

	req := pipeline.Request{
		Credential:      cred,
		Operation:       pipeline.Op(body.Operation),
		PostID:          body.PostID,
		ExpectedVersion: body.ExpectedVersion,
	}
	if body.Title != nil {
		req.Title = *body.Title
		req.TitleSet = true
	}
	if body.Body != nil {
		req.Body = *body.Body
		req.BodySet = true
	}

	post, err := api.pipeline.Apply(ctx, req)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if req.Operation == pipeline.OpCreate {
		status = http.StatusCreated
	}
	api.writeJSON(ctx, w, status, PostResponse{
		ID:        post.ID,
		AuthorID:  post.AuthorID,
		Title:     post.Title,
		Body:      post.Body,
		Status:    string(post.Status),
		Version:   post.Version,
		CreatedAt: post.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: post.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, blog.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, blog.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, blog.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, blog.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, blog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, blog.ErrRender), errors.Is(err, blog.ErrCacheFault):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		api.logger.Error(ctx, err, "request failed")
	} else {
		api.logger.Debug(ctx, "request rejected", "kind", blog.Kind(err), "error", err)
	}
	api.writeJSON(ctx, w, status, ErrorResponse{
		ErrorKind: blog.Kind(err),
		Retryable: blog.Retryable(err),
		Detail:    err.Error(),
	})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
