package bloghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/miniblog-server/internal/identity"
	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/pipeline"
	"github.com/keithlinneman/miniblog-server/internal/regencache"
	"github.com/keithlinneman/miniblog-server/internal/render"
	"github.com/keithlinneman/miniblog-server/internal/store"
)

const testToken = "test-token"

type env struct {
	store  *store.Memory
	cache  *regencache.Cache
	router chi.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemory()
	v := identity.NewStaticVerifier()
	v.Add(testToken, identity.Identity{UserID: "writer-1", DisplayName: "Writer"})

	cache := regencache.New(ctx)
	prov := identity.NewProvisioner(v, st, log.Nop())
	p := pipeline.New(st, prov, cache, log.Nop())
	rd := render.New(st)

	api := NewAPI(cache, rd.RenderFunc(), p, regencache.Options{
		StaleWhileRevalidate: time.Minute,
		HardTTL:              time.Hour,
	}, log.Nop())

	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return &env{store: st, cache: cache, router: r}
}

func (e *env) mutate(t *testing.T, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) createPost(t *testing.T, title, body string) PostResponse {
	t.Helper()
	payload, _ := json.Marshal(MutationRequest{Operation: "create", Title: &title, Body: &body})
	rec := e.mutate(t, testToken, string(payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp PostResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestHandleMutation_CreateReturnsCreated(t *testing.T) {
	e := newEnv(t)
	resp := e.createPost(t, "Hello", "first *post*")

	if resp.Version != 1 || resp.Status != "draft" {
		t.Fatalf("response = %+v, want version 1 draft", resp)
	}
	if resp.AuthorID != "writer-1" {
		t.Fatalf("author = %q, want writer-1", resp.AuthorID)
	}
	// The ack is the full post state, so clients need no follow-up read.
	if resp.Body != "first *post*" {
		t.Fatalf("body = %q, want the stored body echoed back", resp.Body)
	}
	if resp.CreatedAt == "" || resp.UpdatedAt == "" {
		t.Fatalf("response = %+v, want created_at and updated_at set", resp)
	}
}

func TestHandleMutation_MissingCredential(t *testing.T) {
	e := newEnv(t)
	rec := e.mutate(t, "", `{"operation":"create","title":"x","body":"y"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if er := decodeError(t, rec); er.ErrorKind != "auth" || er.Retryable {
		t.Fatalf("error = %+v, want non-retryable auth", er)
	}
}

func TestHandleMutation_MalformedBody(t *testing.T) {
	e := newEnv(t)
	rec := e.mutate(t, testToken, `{"operation":"create","bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if er := decodeError(t, rec); er.ErrorKind != "validation" {
		t.Fatalf("kind = %q, want validation", er.ErrorKind)
	}
}

func TestHandleMutation_ConflictMapsTo409(t *testing.T) {
	e := newEnv(t)
	post := e.createPost(t, "Hello", "body")

	payload, _ := json.Marshal(MutationRequest{
		Operation:       "publish",
		PostID:          post.ID,
		ExpectedVersion: 99,
	})
	rec := e.mutate(t, testToken, string(payload))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if er := decodeError(t, rec); er.ErrorKind != "conflict" || !er.Retryable {
		t.Fatalf("error = %+v, want retryable conflict", er)
	}
}

func TestHandleMutation_RepublishMapsTo422(t *testing.T) {
	e := newEnv(t)
	post := e.createPost(t, "Hello", "body")

	publish := func(version int64) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(MutationRequest{
			Operation:       "publish",
			PostID:          post.ID,
			ExpectedVersion: version,
		})
		return e.mutate(t, testToken, string(payload))
	}

	if rec := publish(1); rec.Code != http.StatusOK {
		t.Fatalf("first publish status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec := publish(2)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("second publish status = %d, want 422", rec.Code)
	}
	if er := decodeError(t, rec); er.ErrorKind != "invalid_transition" {
		t.Fatalf("kind = %q, want invalid_transition", er.ErrorKind)
	}
}

func TestHandlePostPage_RendersMarkdown(t *testing.T) {
	e := newEnv(t)
	post := e.createPost(t, "Hello", "some *emphasis* here")

	req := httptest.NewRequest(http.MethodGet, "/posts/"+post.ID.String(), nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q, want text/html", ct)
	}
	html := rec.Body.String()
	if !strings.Contains(html, "<em>emphasis</em>") {
		t.Fatalf("page missing rendered markdown: %s", html)
	}
}

func TestHandlePostSummary_ServesCard(t *testing.T) {
	e := newEnv(t)
	post := e.createPost(t, "Hello", "summary source text")

	req := httptest.NewRequest(http.MethodGet, "/posts/"+post.ID.String()+"/summary", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "summary source text") {
		t.Fatalf("summary missing excerpt: %s", rec.Body.String())
	}
}

func TestHandlePostPage_UnknownPost404(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/posts/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if er := decodeError(t, rec); er.ErrorKind != "not_found" {
		t.Fatalf("kind = %q, want not_found", er.ErrorKind)
	}
}

func TestHandlePostPage_BadID400(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/posts/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// A write followed by an immediate read must serve the new content, not
// the artifact cached before the write.
func TestWriteThenRead_NeverServesPreWriteArtifact(t *testing.T) {
	e := newEnv(t)
	post := e.createPost(t, "Hello", "before")

	get := func() string {
		req := httptest.NewRequest(http.MethodGet, "/posts/"+post.ID.String(), nil)
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		return rec.Body.String()
	}

	if !strings.Contains(get(), "before") {
		t.Fatal("warm read missing original body")
	}

	body := "after"
	payload, _ := json.Marshal(MutationRequest{
		Operation:       "update",
		PostID:          post.ID,
		ExpectedVersion: 1,
		Body:            &body,
	})
	if rec := e.mutate(t, testToken, string(payload)); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}

	if html := get(); !strings.Contains(html, "after") {
		t.Fatalf("post-write read served stale artifact: %s", html)
	}
}

func TestHandleMutation_UnknownOperation400(t *testing.T) {
	e := newEnv(t)
	rec := e.mutate(t, testToken, `{"operation":"destroy"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
