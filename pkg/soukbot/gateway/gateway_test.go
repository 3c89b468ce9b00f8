package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mharbouli/soukbot/pkg/soukbot/agent"
	"github.com/mharbouli/soukbot/pkg/soukbot/catalog"
	"github.com/mharbouli/soukbot/pkg/soukbot/config"
	"github.com/mharbouli/soukbot/pkg/soukbot/llm"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
	"github.com/mharbouli/soukbot/pkg/soukbot/whatsapp"
)

func newTestGateway(t *testing.T, gwCfg config.GatewayConfig) (*Gateway, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	logger := slog.New(slog.DiscardHandler)
	settings := config.NewSettings(cfg)

	// No API key: LLM calls fail, which is what the fallback paths expect.
	model := llm.New(config.LLMConfig{}, logger)
	cat := catalog.New(st, model, logger)
	engine := agent.New(st, model, cat, settings, cfg.Agent, logger)
	dispatcher := whatsapp.NewDispatcher(engine, settings, logger)
	manager := whatsapp.NewManager(cfg.WhatsApp, dispatcher, logger)

	return New(gwCfg, settings, engine, manager, st, cat, logger), st
}

func TestCompareTokens(t *testing.T) {
	t.Parallel()

	if !compareTokens("secret", "secret") {
		t.Error("equal tokens should match")
	}
	if compareTokens("secret", "Secret") {
		t.Error("different tokens should not match")
	}
	if compareTokens("short", "a much longer token") {
		t.Error("length difference should not match")
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, config.GatewayConfig{AuthToken: "tok-123"})
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	})
	handler := g.authMiddleware(next)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"no header", "/orders", "", 401},
		{"wrong scheme", "/orders", "Basic tok-123", 401},
		{"wrong token", "/orders", "Bearer nope", 401},
		{"valid token", "/orders", "Bearer tok-123", 200},
		{"health is public", "/health", "", 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_NoTokenConfigured(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, config.GatewayConfig{})
	handler := g.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(200)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	if rec.Code != 200 {
		t.Errorf("status = %d, unauthenticated gateway should pass everything", rec.Code)
	}
}

func TestHandleSettings(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, config.GatewayConfig{})

	rec := httptest.NewRecorder()
	g.handleSettings(rec, httptest.NewRequest(http.MethodGet, "/settings", nil))
	if rec.Code != 200 {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["auto_respond"] != true || got["agent_name"] != "Mohamed" {
		t.Errorf("settings = %v", got)
	}
	if got["typing_per_char_ms"] != float64(60) || got["max_typing_delay_ms"] != float64(8000) {
		t.Errorf("typing defaults = %v", got)
	}

	body := strings.NewReader(`{"auto_respond": false, "agent_name": "Karim",
		"typing_per_char_ms": 30, "max_typing_delay_ms": 4000}`)
	rec = httptest.NewRecorder()
	g.handleSettings(rec, httptest.NewRequest(http.MethodPut, "/settings", body))
	if rec.Code != 200 {
		t.Fatalf("PUT status = %d", rec.Code)
	}
	if g.settings.AutoRespond() {
		t.Error("auto_respond not updated")
	}
	if g.settings.AgentName() != "Karim" {
		t.Errorf("agent_name = %q", g.settings.AgentName())
	}
	if g.settings.TypingPerChar() != 30*time.Millisecond {
		t.Errorf("TypingPerChar = %v", g.settings.TypingPerChar())
	}
	if g.settings.MaxTypingDelay() != 4*time.Second {
		t.Errorf("MaxTypingDelay = %v", g.settings.MaxTypingDelay())
	}
}

func TestHandleChat_StructuredResponse(t *testing.T) {
	t.Parallel()

	g, _ := newTestGateway(t, config.GatewayConfig{})

	body := strings.NewReader(`{"sessionId":"web_test","message":"salam"}`)
	rec := httptest.NewRecorder()
	g.handleChat(rec, httptest.NewRequest(http.MethodPost, "/chat", body))
	if rec.Code != 200 {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got struct {
		SessionID   string `json:"sessionId"`
		Response    string `json:"response"`
		Intent      string `json:"intent"`
		Discount    *int   `json:"discount"`
		OrderStatus string `json:"order_status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "web_test" {
		t.Errorf("sessionId = %q", got.SessionID)
	}
	if got.Response == "" {
		t.Error("response missing")
	}
	// No API key: classification falls back to general chat.
	if got.Intent != "general_chat" {
		t.Errorf("intent = %q, want general_chat", got.Intent)
	}
	if got.Discount == nil || *got.Discount != 0 {
		t.Errorf("discount = %v, want 0", got.Discount)
	}
	if got.OrderStatus != "none" {
		t.Errorf("order_status = %q, want none", got.OrderStatus)
	}
}

func TestHandleOrders(t *testing.T) {
	t.Parallel()

	g, st := newTestGateway(t, config.GatewayConfig{})
	ctx := context.Background()

	if err := st.InsertOrder(ctx, &store.Order{
		ID: "ord-1", ConversationID: "c1", ProductName: "Earbuds",
		OriginalPrice: 300, DiscountedPrice: 285, DiscountPercent: 5,
		CustomerName: "Amina", Phone: "06", Address: "Rabat", Status: "confirmed",
	}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	g.handleOrders(rec, httptest.NewRequest(http.MethodGet, "/orders", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var list struct {
		Orders []store.Order `json:"orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Orders) != 1 || list.Orders[0].ID != "ord-1" {
		t.Errorf("orders = %+v", list.Orders)
	}

	// Filtered by conversation.
	rec = httptest.NewRecorder()
	g.handleOrders(rec, httptest.NewRequest(http.MethodGet, "/orders?conversation=other", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Orders) != 0 {
		t.Errorf("filter leaked orders: %+v", list.Orders)
	}
}

func TestHandleOrderByID(t *testing.T) {
	t.Parallel()

	g, st := newTestGateway(t, config.GatewayConfig{})
	ctx := context.Background()

	if err := st.InsertOrder(ctx, &store.Order{
		ID: "ord-1", ConversationID: "c1", ProductName: "Earbuds",
		CustomerName: "A", Phone: "B", Address: "C", Status: "confirmed",
	}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	g.handleOrderByID(rec, httptest.NewRequest(http.MethodGet, "/orders/missing", nil))
	if rec.Code != 404 {
		t.Errorf("missing order status = %d, want 404", rec.Code)
	}

	body := strings.NewReader(`{"status":"shipped"}`)
	rec = httptest.NewRecorder()
	g.handleOrderByID(rec, httptest.NewRequest(http.MethodPatch, "/orders/ord-1", body))
	if rec.Code != 200 {
		t.Fatalf("PATCH status = %d", rec.Code)
	}
	o, _ := st.GetOrder(ctx, "ord-1")
	if o.Status != "shipped" {
		t.Errorf("Status = %q", o.Status)
	}
}

func TestHandleProducts_CreateWithoutEmbedder(t *testing.T) {
	t.Parallel()

	g, st := newTestGateway(t, config.GatewayConfig{})

	// No API key: indexing fails, the product must still be stored.
	body := strings.NewReader(`{"name":"Bluetooth Speaker","price":350,"stock":4}`)
	rec := httptest.NewRecorder()
	g.handleProducts(rec, httptest.NewRequest(http.MethodPost, "/products", body))
	if rec.Code != 201 {
		t.Fatalf("POST status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID      string `json:"id"`
		Indexed bool   `json:"indexed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Error("no id assigned")
	}
	if created.Indexed {
		t.Error("indexed should be false without an embedder")
	}

	p, err := st.GetProduct(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("product not stored: %v", err)
	}
	if p.Name != "Bluetooth Speaker" || p.Price != 350 {
		t.Errorf("product = %+v", p)
	}

	// Validation.
	rec = httptest.NewRecorder()
	g.handleProducts(rec, httptest.NewRequest(http.MethodPost, "/products", strings.NewReader(`{"name":"x"}`)))
	if rec.Code != 400 {
		t.Errorf("zero price status = %d, want 400", rec.Code)
	}
}

func TestPathID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		prefix string
		want   string
	}{
		{"/orders/ord-1", "/orders/", "ord-1"},
		{"/orders/", "/orders/", ""},
		{"/whatsapp/status/main/", "/whatsapp/status/", "main"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if got := pathID(r, tt.prefix); got != tt.want {
			t.Errorf("pathID(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
