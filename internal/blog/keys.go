package blog

import "github.com/google/uuid"

// Variant tags one rendered view of a post. Several cache keys derive from
// one post, one per variant.
type Variant string

const (
	// VariantPage is the full post page.
	VariantPage Variant = "page"
	// VariantSummary is the listing/summary card.
	VariantSummary Variant = "summary"
)

// Variants lists every rendering variant a post produces. Any post mutation
// invalidates all of them; we deliberately do not track which fields feed
// which variant.
var Variants = []Variant{VariantPage, VariantSummary}

// CacheKey identifies one artifact variant of one post. Derivation is
// deterministic so the write path and the read path always agree.
type CacheKey struct {
	PostID  uuid.UUID
	Variant Variant
}

func (k CacheKey) String() string {
	return string(k.Variant) + ":" + k.PostID.String()
}

func PageKey(postID uuid.UUID) CacheKey {
	return CacheKey{PostID: postID, Variant: VariantPage}
}

func SummaryKey(postID uuid.UUID) CacheKey {
	return CacheKey{PostID: postID, Variant: VariantSummary}
}

// DeriveKeys enumerates every cache key that depends on the given post.
func DeriveKeys(postID uuid.UUID) []CacheKey {
	keys := make([]CacheKey, 0, len(Variants))
	for _, v := range Variants {
		keys = append(keys, CacheKey{PostID: postID, Variant: v})
	}
	return keys
}
