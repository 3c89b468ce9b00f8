package catalog

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"testing"

	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func newTestIndex(t *testing.T, emb Embedder) (*Index, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, emb, slog.New(slog.DiscardHandler)), st
}

func TestCosine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1},
		{"scaled identical", []float32{2, 0, 0}, []float32{5, 0, 0}, 1},
		{"length mismatch", []float32{1, 0}, []float32{1, 0, 0}, 0},
		{"empty", nil, nil, 0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosine(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{vectors: map[string][]float32{
		"earbuds for running": {1, 0, 0},
	}}
	ix, st := newTestIndex(t, emb)
	ctx := context.Background()

	products := []store.Product{
		{ID: "p1", Name: "Wireless Earbuds", Price: 300, Embedding: []float32{0.9, 0.1, 0}},
		{ID: "p2", Name: "Smart Watch", Price: 500, Embedding: []float32{0.1, 0.9, 0}},
		{ID: "p3", Name: "USB Cable", Price: 20, Embedding: []float32{0, 0, 1}},
		{ID: "p4", Name: "Unindexed", Price: 10},
	}
	for i := range products {
		if err := st.UpsertProduct(ctx, &products[i]); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := ix.Search(ctx, "earbuds for running", 2)
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want topK=2", len(matches))
	}
	if matches[0].Product.ID != "p1" {
		t.Errorf("best match = %q, want the earbuds", matches[0].Product.ID)
	}
	if matches[0].Score <= matches[1].Score {
		t.Errorf("results not sorted: %v then %v", matches[0].Score, matches[1].Score)
	}
}

func TestRelevant_FiltersByThreshold(t *testing.T) {
	t.Parallel()

	matches := []Match{
		{Product: store.Product{ID: "hi"}, Score: 0.9},
		{Product: store.Product{ID: "edge"}, Score: RelevanceThreshold},
		{Product: store.Product{ID: "lo"}, Score: 0.3},
	}
	got := Relevant(matches)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Product.ID != "hi" || got[1].Product.ID != "edge" {
		t.Errorf("got %v", got)
	}
}

func TestIndexProduct_StoresEmbedding(t *testing.T) {
	t.Parallel()

	emb := &stubEmbedder{vectors: map[string][]float32{
		"Wireless Earbuds. Noise cancelling, 24h battery": {0.5, 0.5, 0},
	}}
	ix, st := newTestIndex(t, emb)
	ctx := context.Background()

	p := &store.Product{
		ID:          "p1",
		Name:        "Wireless Earbuds",
		Description: "Noise cancelling, 24h battery",
		Price:       300,
	}
	if err := ix.IndexProduct(ctx, p); err != nil {
		t.Fatalf("IndexProduct() error: %v", err)
	}

	got, err := st.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 0.5 {
		t.Errorf("Embedding = %v", got.Embedding)
	}
}

func TestMatchName(t *testing.T) {
	t.Parallel()

	ix, st := newTestIndex(t, &stubEmbedder{})
	ctx := context.Background()

	for _, p := range []store.Product{
		{ID: "p1", Name: "Wireless Earbuds Pro", Price: 300},
		{ID: "p2", Name: "Smart Watch X2", Price: 500},
	} {
		p := p
		if err := st.UpsertProduct(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		query  string
		wantID string
		wantOK bool
	}{
		{"exact", "Wireless Earbuds Pro", "p1", true},
		{"case insensitive", "wireless earbuds pro", "p1", true},
		{"partial contained in product", "earbuds", "p1", true},
		{"product contained in query", "the Smart Watch X2 please", "p2", true},
		{"fuzzy typo", "smrt wtch", "p2", true},
		{"empty query", "", "", false},
		{"nothing close", "zzzzqqqq", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, ok, err := ix.MatchName(ctx, tt.query)
			if err != nil {
				t.Fatalf("MatchName(%q) error: %v", tt.query, err)
			}
			if ok != tt.wantOK {
				t.Fatalf("MatchName(%q) ok = %v, want %v", tt.query, ok, tt.wantOK)
			}
			if ok && p.ID != tt.wantID {
				t.Errorf("MatchName(%q) = %q, want %q", tt.query, p.ID, tt.wantID)
			}
		})
	}
}
