package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateConversation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.GetOrCreateConversation(ctx, "whatsapp_212600000001", "main")
	if err != nil {
		t.Fatalf("GetOrCreateConversation() error: %v", err)
	}
	if conv.ID != "whatsapp_212600000001" || conv.SessionID != "main" {
		t.Errorf("got %+v", conv)
	}
	if conv.CurrentDiscount != 0 || conv.Pending != nil {
		t.Errorf("new conversation should start clean, got %+v", conv)
	}

	// Second call returns the same row, not a duplicate.
	again, err := s.GetOrCreateConversation(ctx, "whatsapp_212600000001", "other")
	if err != nil {
		t.Fatalf("second GetOrCreateConversation() error: %v", err)
	}
	if again.SessionID != "main" {
		t.Errorf("SessionID = %q, want the original %q", again.SessionID, "main")
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetConversation(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHistory_OrderAndLimit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateConversation(ctx, "c1", ""); err != nil {
		t.Fatal(err)
	}
	turns := []string{"hi", "hello!", "price?", "200 MAD", "deal"}
	for i, content := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AppendMessage(ctx, "c1", role, content); err != nil {
			t.Fatalf("AppendMessage(%d) error: %v", i, err)
		}
	}

	msgs, err := s.History(ctx, "c1", 3)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	// Last three turns, oldest first.
	want := []string{"price?", "200 MAD", "deal"}
	for i, m := range msgs {
		if m.Content != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Content, want[i])
		}
	}
}

func TestSetDiscount(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateConversation(ctx, "c1", ""); err != nil {
		t.Fatal(err)
	}

	if err := s.SetDiscount(ctx, "c1", 2, false); err != nil {
		t.Fatalf("SetDiscount() error: %v", err)
	}
	if err := s.SetDiscount(ctx, "c1", 4, true); err != nil {
		t.Fatalf("SetDiscount() error: %v", err)
	}

	conv, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.CurrentDiscount != 4 {
		t.Errorf("CurrentDiscount = %d, want 4", conv.CurrentDiscount)
	}
	if conv.DiscountRequests != 2 {
		t.Errorf("DiscountRequests = %d, want 2", conv.DiscountRequests)
	}
	if conv.DiscountEscalations != 1 {
		t.Errorf("DiscountEscalations = %d, want 1", conv.DiscountEscalations)
	}

	if err := s.SetDiscount(ctx, "missing", 5, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDiscount(missing) = %v, want ErrNotFound", err)
	}
}

func TestPendingOrder_RoundTripAndClear(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetOrCreateConversation(ctx, "c1", ""); err != nil {
		t.Fatal(err)
	}

	po := &PendingOrder{
		ProductID:     "p1",
		ProductName:   "Wireless Earbuds",
		OriginalPrice: 300,
		CustomerName:  "Amina",
	}
	if err := s.SetPendingOrder(ctx, "c1", po); err != nil {
		t.Fatalf("SetPendingOrder() error: %v", err)
	}

	conv, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Pending == nil || conv.Pending.ProductName != "Wireless Earbuds" {
		t.Fatalf("Pending = %+v", conv.Pending)
	}

	if err := s.SetPendingOrder(ctx, "c1", nil); err != nil {
		t.Fatalf("clearing pending order: %v", err)
	}
	conv, err = s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if conv.Pending != nil {
		t.Errorf("Pending = %+v, want nil after clear", conv.Pending)
	}
}

func TestPendingOrder_MissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		po   *PendingOrder
		want []string
	}{
		{"empty", &PendingOrder{}, []string{"product selection", "name", "phone", "address"}},
		{"nil", nil, []string{"product selection", "name", "phone", "address"}},
		{
			"partial",
			&PendingOrder{ProductName: "Earbuds", Phone: "0600000000"},
			[]string{"name", "address"},
		},
		{
			"complete",
			&PendingOrder{ProductName: "Earbuds", CustomerName: "Amina", Phone: "0600000000", Address: "Rabat"},
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.po.MissingFields()
			if len(got) != len(tt.want) {
				t.Fatalf("MissingFields() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("MissingFields()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInsertOrder_ReadBack(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	o := &Order{
		ID:              "ord-1",
		ConversationID:  "c1",
		ProductName:     "Smart Watch",
		OriginalPrice:   500,
		DiscountedPrice: 475,
		DiscountPercent: 5,
		CustomerName:    "Youssef",
		Phone:           "0611111111",
		Address:         "Casablanca",
		Status:          "confirmed",
	}
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("InsertOrder() error: %v", err)
	}

	got, err := s.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("GetOrder() error: %v", err)
	}
	if got.ProductName != "Smart Watch" || got.Status != "confirmed" || got.DiscountedPrice != 475 {
		t.Errorf("got %+v", got)
	}

	if err := s.InsertOrder(ctx, &Order{}); err == nil {
		t.Error("InsertOrder without id should fail")
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	o := &Order{ID: "ord-1", ConversationID: "c1", ProductName: "x",
		CustomerName: "a", Phone: "b", Address: "c", Status: "confirmed"}
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateOrderStatus(ctx, "ord-1", "shipped"); err != nil {
		t.Fatalf("UpdateOrderStatus() error: %v", err)
	}
	got, _ := s.GetOrder(ctx, "ord-1")
	if got.Status != "shipped" {
		t.Errorf("Status = %q, want shipped", got.Status)
	}

	if err := s.UpdateOrderStatus(ctx, "missing", "shipped"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStalePendingOrders(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	// Incomplete pending order, old enough to be stale.
	if _, err := s.GetOrCreateConversation(ctx, "stale", "main"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPendingOrder(ctx, "stale", &PendingOrder{ProductName: "Earbuds"}); err != nil {
		t.Fatal(err)
	}

	// Complete pending order: not a follow-up candidate.
	if _, err := s.GetOrCreateConversation(ctx, "complete", "main"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetPendingOrder(ctx, "complete", &PendingOrder{
		ProductName: "Watch", CustomerName: "A", Phone: "B", Address: "C",
	}); err != nil {
		t.Fatal(err)
	}

	// No pending order at all.
	if _, err := s.GetOrCreateConversation(ctx, "empty", "main"); err != nil {
		t.Fatal(err)
	}

	// Cutoff in the future makes every row older than it.
	convs, err := s.StalePendingOrders(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("StalePendingOrders() error: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "stale" {
		t.Fatalf("got %+v, want just the stale conversation", convs)
	}
	if convs[0].Pending == nil || convs[0].Pending.ProductName != "Earbuds" {
		t.Errorf("Pending = %+v", convs[0].Pending)
	}

	// Cutoff in the past: nothing is stale yet.
	convs, err = s.StalePendingOrders(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("got %d conversations, want 0", len(convs))
	}
}

func TestProductRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	p := &Product{
		ID:          "p1",
		Name:        "Bluetooth Speaker",
		Description: "Portable speaker with deep bass",
		Price:       350,
		Stock:       12,
		Embedding:   []float32{0.1, -0.5, 0.25},
	}
	if err := s.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("UpsertProduct() error: %v", err)
	}

	got, err := s.GetProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProduct() error: %v", err)
	}
	if got.Name != p.Name || got.Price != p.Price || got.Stock != p.Stock {
		t.Errorf("got %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -0.5 {
		t.Errorf("Embedding = %v", got.Embedding)
	}

	// Upsert replaces in place.
	p.Price = 299
	if err := s.UpsertProduct(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetProduct(ctx, "p1")
	if got.Price != 299 {
		t.Errorf("Price = %v, want 299 after upsert", got.Price)
	}

	products, err := s.ListProducts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 1 {
		t.Errorf("len(products) = %d, want 1", len(products))
	}

	if err := s.DeleteProduct(ctx, "p1"); err != nil {
		t.Fatalf("DeleteProduct() error: %v", err)
	}
	if _, err := s.GetProduct(ctx, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestVectorEncoding(t *testing.T) {
	t.Parallel()

	in := []float32{1, -2.5, 0, 3.14159}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}

	if encodeVector(nil) != nil {
		t.Error("encodeVector(nil) should be nil")
	}
	if decodeVector(nil) != nil {
		t.Error("decodeVector(nil) should be nil")
	}
}
