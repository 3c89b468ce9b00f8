// Package catalog provides product similarity search over the store.
// Products are ranked by cosine similarity between the query embedding
// and the stored product embeddings. Name lookups fall back to fuzzy
// matching when no exact id is available.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

// RelevanceThreshold is the minimum cosine similarity for a product to be
// considered relevant to a conversational mention.
const RelevanceThreshold = 0.65

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one similarity search result.
type Match struct {
	Product store.Product
	Score   float64
}

// Index searches the product catalog.
type Index struct {
	store    *store.Store
	embedder Embedder
	logger   *slog.Logger
}

// New creates a catalog index over the given store.
func New(st *store.Store, embedder Embedder, logger *slog.Logger) *Index {
	return &Index{
		store:    st,
		embedder: embedder,
		logger:   logger.With("component", "catalog"),
	}
}

// IndexProduct computes and stores the embedding for a product, then
// upserts it. The embedded text combines name and description so queries
// about either can find it.
func (ix *Index) IndexProduct(ctx context.Context, p *store.Product) error {
	text := p.Name
	if p.Description != "" {
		text += ". " + p.Description
	}

	vec, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding product %q: %w", p.Name, err)
	}
	p.Embedding = vec

	if err := ix.store.UpsertProduct(ctx, p); err != nil {
		return err
	}

	ix.logger.Debug("product indexed", "id", p.ID, "name", p.Name, "dims", len(vec))
	return nil
}

// Search returns the topK products most similar to the query, best first.
// Products without embeddings are skipped.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = 3
	}

	qvec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	products, err := ix.store.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, p := range products {
		if len(p.Embedding) == 0 {
			continue
		}
		score := cosine(qvec, p.Embedding)
		matches = append(matches, Match{Product: p, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}

	ix.logger.Debug("similarity search", "query", query, "results", len(matches))
	return matches, nil
}

// Relevant returns the matches above the relevance threshold.
func Relevant(matches []Match) []Match {
	var out []Match
	for _, m := range matches {
		if m.Score >= RelevanceThreshold {
			out = append(out, m)
		}
	}
	return out
}

// MatchName finds a catalog product by name. Exact and containment
// matches win; otherwise the best fuzzy match is returned. The boolean
// reports whether anything matched.
func (ix *Index) MatchName(ctx context.Context, name string) (*store.Product, bool, error) {
	products, err := ix.store.ListProducts(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(products) == 0 {
		return nil, false, nil
	}

	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil, false, nil
	}

	for i := range products {
		have := strings.ToLower(products[i].Name)
		if have == needle || strings.Contains(have, needle) || strings.Contains(needle, have) {
			return &products[i], true, nil
		}
	}

	names := make([]string, len(products))
	for i, p := range products {
		names[i] = p.Name
	}
	results := fuzzy.Find(needle, names)
	if len(results) == 0 {
		return nil, false, nil
	}
	return &products[results[0].Index], true, nil
}

// cosine computes cosine similarity between two vectors. Mismatched or
// zero-length vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
