// Package render turns posts into servable HTML artifacts. It reads the
// store and never writes it; the regeneration cache owns when renders
// happen.
package render

import (
	"bytes"
	"context"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/keithlinneman/miniblog-server/internal/blog"
	"github.com/keithlinneman/miniblog-server/internal/regencache"
	"github.com/keithlinneman/miniblog-server/internal/store"
)

const summaryRuneLimit = 280

var pageTmpl = template.Must(template.New("page").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<article>
<h1>{{.Title}}</h1>
{{.Body}}
</article>
</body>
</html>
`))

var summaryTmpl = template.Must(template.New("summary").Parse(`<div class="post-card">
<h2>{{.Title}}</h2>
<p>{{.Excerpt}}</p>
</div>
`))

type Renderer struct {
	store store.Store
	md    goldmark.Markdown
}

func New(st store.Store) *Renderer {
	return &Renderer{
		store: st,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			// Post bodies come from authenticated authors; raw HTML still
			// stays off to keep artifacts inert.
			goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		),
	}
}

// RenderFunc adapts the renderer to the cache's renderFn boundary for one
// variant namespace. The returned generation is the post version the
// artifact was built from.
func (r *Renderer) RenderFunc() regencache.RenderFunc {
	return func(ctx context.Context, key string) (regencache.Result, error) {
		variant, postID, err := parseKey(key)
		if err != nil {
			return regencache.Result{}, err
		}
		return r.Render(ctx, blog.CacheKey{PostID: postID, Variant: variant})
	}
}

// Render produces the artifact for one cache key.
func (r *Renderer) Render(ctx context.Context, key blog.CacheKey) (regencache.Result, error) {
	p, err := r.store.GetPost(ctx, key.PostID)
	if err != nil {
		return regencache.Result{}, err
	}

	var payload []byte
	switch key.Variant {
	case blog.VariantPage:
		payload, err = r.page(p)
	case blog.VariantSummary:
		payload, err = r.summary(p)
	default:
		return regencache.Result{}, blog.Renderf("unknown variant %q", key.Variant)
	}
	if err != nil {
		return regencache.Result{}, blog.Renderf("render %s: %v", key, err)
	}
	return regencache.Result{Payload: payload, Generation: p.Version}, nil
}

func (r *Renderer) page(p blog.Post) ([]byte, error) {
	var body bytes.Buffer
	if err := r.md.Convert([]byte(p.Body), &body); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	err := pageTmpl.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{
		Title: p.Title,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (r *Renderer) summary(p blog.Post) ([]byte, error) {
	var out bytes.Buffer
	err := summaryTmpl.Execute(&out, struct {
		Title   string
		Excerpt string
	}{
		Title:   p.Title,
		Excerpt: excerpt(p.Body, summaryRuneLimit),
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// excerpt strips markdown syntax crudely and truncates on a rune boundary.
func excerpt(body string, limit int) string {
	s := strings.NewReplacer("#", "", "*", "", "`", "", "_", "").Replace(body)
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

// parseKey reverses blog.CacheKey.String().
func parseKey(key string) (blog.Variant, uuid.UUID, error) {
	variant, rawID, ok := strings.Cut(key, ":")
	if !ok {
		return "", uuid.UUID{}, blog.Renderf("malformed cache key %q", key)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return "", uuid.UUID{}, blog.Renderf("malformed post id in key %q", key)
	}
	return blog.Variant(variant), id, nil
}
