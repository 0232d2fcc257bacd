package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/miniblog-server/internal/bloghttp"
	"github.com/keithlinneman/miniblog-server/internal/httpserver"
	"github.com/keithlinneman/miniblog-server/internal/identity"
	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/pipeline"
	"github.com/keithlinneman/miniblog-server/internal/regencache"
	"github.com/keithlinneman/miniblog-server/internal/render"
	"github.com/keithlinneman/miniblog-server/internal/store"
)

// TestIntegration_FullStack wires up httpserver.NewHandler with the real blog
// API backed by an in-memory store, then verifies that security headers,
// status codes, and the write-then-read path work end-to-end.
func TestIntegration_FullStack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewMemory()
	v := identity.NewStaticVerifier()
	v.Add("writer-token", identity.Identity{UserID: "writer-1", DisplayName: "Writer"})

	cache := regencache.New(ctx)
	prov := identity.NewProvisioner(v, st, log.Nop())
	p := pipeline.New(st, prov, cache, log.Nop())
	rd := render.New(st)

	api := bloghttp.NewAPI(cache, rd.RenderFunc(), p, regencache.Options{
		StaleWhileRevalidate: time.Minute,
		HardTTL:              time.Hour,
	}, log.Nop())

	handler := httpserver.NewHandler(httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		APIRoutes: func(r chi.Router) {
			api.RegisterRoutes(r)
		},
	})

	post := func(t *testing.T, token, body string) *httptest.ResponseRecorder {
		t.Helper()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handler.ServeHTTP(rec, req)
		return rec
	}

	// Create a post up front so the read subtests have something to fetch.
	createRec := post(t, "writer-token", `{"operation":"create","title":"Hello","body":"Hello *world*"}`)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", createRec.Code, createRec.Body.String())
	}
	var created bloghttp.PostResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	t.Run("mutation response carries security and request headers", func(t *testing.T) {
		securityHeaders := []string{
			"Strict-Transport-Security",
			"Content-Security-Policy",
			"X-Content-Type-Options",
			"X-Frame-Options",
			"Referrer-Policy",
			"Cross-Origin-Embedder-Policy",
			"Cross-Origin-Opener-Policy",
			"Cross-Origin-Resource-Policy",
			"Permissions-Policy",
		}
		for _, hdr := range securityHeaders {
			if createRec.Header().Get(hdr) == "" {
				t.Errorf("missing security header: %s", hdr)
			}
		}
		if got := createRec.Header().Get("X-Request-Id"); got == "" {
			t.Error("X-Request-Id not set")
		}
	})

	t.Run("serves rendered post page", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/posts/"+created.ID.String(), http.NoBody)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		body, _ := io.ReadAll(rec.Body)
		if !strings.Contains(string(body), "<em>world</em>") {
			t.Fatalf("body = %q, want rendered markdown", body)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Fatalf("Content-Type = %q, want text/html", ct)
		}
	})

	t.Run("unauthenticated mutation rejected with error envelope", func(t *testing.T) {
		rec := post(t, "", `{"operation":"create","title":"x","body":"y"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		var resp bloghttp.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if resp.ErrorKind != "auth" {
			t.Fatalf("error_kind = %q, want auth", resp.ErrorKind)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 401 response")
		}
	})

	t.Run("returns 404 for unknown post", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/posts/00000000-0000-0000-0000-0000000000aa", http.NoBody)
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("HSTS missing on 404 response")
		}
	})

	t.Run("update invalidates cached page", func(t *testing.T) {
		// Warm the cache with the current body.
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/posts/"+created.ID.String(), http.NoBody)
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("warm read status = %d", rec.Code)
		}

		payload := `{"operation":"update","post_id":"` + created.ID.String() + `","expected_version":` + "1" + `,"body":"updated body text"}`
		upd := post(t, "writer-token", payload)
		if upd.Code != http.StatusOK {
			t.Fatalf("update status = %d, body %s", upd.Code, upd.Body.String())
		}

		rec = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/posts/"+created.ID.String(), http.NoBody)
		handler.ServeHTTP(rec, req)
		body, _ := io.ReadAll(rec.Body)
		if !strings.Contains(string(body), "updated body text") {
			t.Fatalf("body = %q, want updated content after invalidation", body)
		}
	})
}
