package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mharbouli/soukbot/pkg/soukbot/agent"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
	"github.com/mharbouli/soukbot/pkg/soukbot/whatsapp"
)

// errorResponse is the consistent error format.
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	_ = enc.Encode(errorResponse{Error: struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}{Message: msg, Code: code}})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

// pathID extracts the trailing id from a prefixed route.
func pathID(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

// ---------- Health ----------

// handleHealth implements GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	sessions := make(map[string]string)
	for _, s := range g.manager.Sessions() {
		sessions[s.ID] = string(s.State)
	}
	g.writeJSON(w, 200, map[string]any{
		"status":   "ok",
		"version":  version,
		"uptime":   uptime,
		"sessions": sessions,
	})
}

// ---------- WhatsApp sessions ----------

// handleSessions implements GET /whatsapp/sessions
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	g.writeJSON(w, 200, map[string]any{"sessions": g.manager.Sessions()})
}

// handleStatus implements GET /whatsapp/status/{id}
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	id := pathID(r, "/whatsapp/status/")
	if id == "" {
		g.writeError(w, "session id required", 400)
		return
	}
	g.writeJSON(w, 200, g.manager.Status(id))
}

// handleConnect implements POST /whatsapp/connect/{id}
func (g *Gateway) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	id := pathID(r, "/whatsapp/connect/")
	if id == "" {
		g.writeError(w, "session id required", 400)
		return
	}
	if err := g.manager.Connect(r.Context(), id); err != nil {
		g.writeError(w, err.Error(), 500)
		return
	}
	g.writeJSON(w, 200, g.manager.Status(id))
}

// handleQRCode implements GET /whatsapp/qrcode/{id}
func (g *Gateway) handleQRCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	id := pathID(r, "/whatsapp/qrcode/")
	if id == "" {
		g.writeError(w, "session id required", 400)
		return
	}
	status := g.manager.Status(id)
	if status.QRCode == "" {
		g.writeError(w, "no QR code available", 404)
		return
	}
	g.writeJSON(w, 200, map[string]string{"qr_code": status.QRCode})
}

// handlePair implements POST /whatsapp/pair/{id} with body {"phone": "..."}
func (g *Gateway) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	id := pathID(r, "/whatsapp/pair/")
	if id == "" {
		g.writeError(w, "session id required", 400)
		return
	}
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		g.writeError(w, "phone required", 400)
		return
	}
	code, err := g.manager.RequestPairingCode(r.Context(), id, req.Phone)
	if err != nil {
		if errors.Is(err, whatsapp.ErrNotReady) {
			g.writeError(w, "session not ready for pairing, try again", 503)
			return
		}
		g.writeError(w, err.Error(), 500)
		return
	}
	g.writeJSON(w, 200, map[string]string{"pairing_code": code})
}

// handleDisconnect implements POST /whatsapp/disconnect/{id}
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	id := pathID(r, "/whatsapp/disconnect/")
	if id == "" {
		g.writeError(w, "session id required", 400)
		return
	}
	if err := g.manager.Disconnect(r.Context(), id); err != nil {
		g.writeError(w, err.Error(), 500)
		return
	}
	g.writeJSON(w, 200, map[string]string{"status": "disconnected"})
}

// handleSend implements POST /whatsapp/send/{id} with body {"to", "message"}
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	id := pathID(r, "/whatsapp/send/")
	if id == "" {
		g.writeError(w, "session id required", 400)
		return
	}
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Message == "" {
		g.writeError(w, "to and message required", 400)
		return
	}
	if err := g.manager.SendText(r.Context(), id, req.To, req.Message); err != nil {
		if errors.Is(err, whatsapp.ErrSessionNotFound) {
			g.writeError(w, "session not found", 404)
			return
		}
		if errors.Is(err, whatsapp.ErrNotConnected) {
			g.writeError(w, "session not connected", 503)
			return
		}
		g.writeError(w, err.Error(), 500)
		return
	}
	g.writeJSON(w, 200, map[string]string{"status": "sent"})
}

// ---------- Chat ----------

// handleChat implements POST /chat with body {"sessionId", "message"}.
// Runs a full agent turn outside WhatsApp, for dashboards and testing.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var req struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		g.writeError(w, "message required", 400)
		return
	}
	if req.SessionID == "" {
		req.SessionID = "web_" + uuid.NewString()
	}

	type chatResponse struct {
		SessionID string `json:"sessionId"`
		agent.Result
	}

	res, err := g.engine.ProcessMessage(r.Context(), req.SessionID, "", req.Message)
	if err != nil {
		g.logger.Error("chat turn failed", "conversation", req.SessionID, "error", err)
		g.writeJSON(w, 200, chatResponse{
			SessionID: req.SessionID,
			Result: agent.Result{
				Reply:       g.engine.Apology(),
				Intent:      agent.IntentGeneralChat,
				OrderStatus: agent.OrderStatusNone,
			},
		})
		return
	}
	g.writeJSON(w, 200, chatResponse{SessionID: req.SessionID, Result: *res})
}

// handleChatSessions implements GET /chat/sessions
func (g *Gateway) handleChatSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	convs, err := g.store.ListConversations(r.Context())
	if err != nil {
		g.writeError(w, err.Error(), 500)
		return
	}
	type entry struct {
		ID        string    `json:"id"`
		SessionID string    `json:"session_id,omitempty"`
		Discount  int       `json:"discount"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	out := make([]entry, 0, len(convs))
	for _, c := range convs {
		out = append(out, entry{ID: c.ID, SessionID: c.SessionID, Discount: c.CurrentDiscount, UpdatedAt: c.UpdatedAt})
	}
	g.writeJSON(w, 200, map[string]any{"sessions": out})
}

// handleChatHistory implements GET and DELETE /chat/history/{id}
func (g *Gateway) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/chat/history/")
	if id == "" {
		g.writeError(w, "conversation id required", 400)
		return
	}

	switch r.Method {
	case http.MethodGet:
		msgs, err := g.store.History(r.Context(), id, 100)
		if err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 200, map[string]any{"messages": msgs})

	case http.MethodDelete:
		if err := g.store.ClearConversation(r.Context(), id); err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 200, map[string]string{"status": "cleared"})

	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// ---------- Orders ----------

// handleOrders implements GET /orders with optional ?conversation= filter.
func (g *Gateway) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var (
		orders []store.Order
		err    error
	)
	if conv := r.URL.Query().Get("conversation"); conv != "" {
		orders, err = g.store.ListOrdersByConversation(r.Context(), conv)
	} else {
		orders, err = g.store.ListOrders(r.Context())
	}
	if err != nil {
		g.writeError(w, err.Error(), 500)
		return
	}
	g.writeJSON(w, 200, map[string]any{"orders": orders})
}

// handleOrderByID implements GET and PATCH /orders/{id}
func (g *Gateway) handleOrderByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/orders/")
	if id == "" {
		g.writeError(w, "order id required", 400)
		return
	}

	switch r.Method {
	case http.MethodGet:
		order, err := g.store.GetOrder(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			g.writeError(w, "order not found", 404)
			return
		}
		if err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 200, order)

	case http.MethodPatch:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
			g.writeError(w, "status required", 400)
			return
		}
		if err := g.store.UpdateOrderStatus(r.Context(), id, req.Status); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.writeError(w, "order not found", 404)
				return
			}
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 200, map[string]string{"status": req.Status})

	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// ---------- Products ----------

type productRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
}

func (g *Gateway) upsertProduct(r *http.Request, req productRequest) (*store.Product, bool) {
	p := &store.Product{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price,
		Stock:       req.Stock,
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	// Index (embed + store). Without an embedding the product still
	// lands in the catalog; it just won't show in similarity search.
	if err := g.catalog.IndexProduct(r.Context(), p); err != nil {
		g.logger.Warn("product indexing failed, storing without embedding",
			"product", p.Name, "error", err)
		if err := g.store.UpsertProduct(r.Context(), p); err != nil {
			g.logger.Error("product upsert failed", "product", p.Name, "error", err)
			return nil, false
		}
		return p, false
	}
	return p, true
}

// handleProducts implements GET and POST /products
func (g *Gateway) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := g.store.ListProducts(r.Context())
		if err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		type entry struct {
			ID          string  `json:"id"`
			Name        string  `json:"name"`
			Description string  `json:"description,omitempty"`
			Price       float64 `json:"price"`
			Stock       int     `json:"stock"`
			Indexed     bool    `json:"indexed"`
		}
		out := make([]entry, 0, len(products))
		for _, p := range products {
			out = append(out, entry{
				ID: p.ID, Name: p.Name, Description: p.Description,
				Price: p.Price, Stock: p.Stock, Indexed: len(p.Embedding) > 0,
			})
		}
		g.writeJSON(w, 200, map[string]any{"products": out})

	case http.MethodPost:
		var req productRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Price <= 0 {
			g.writeError(w, "name and positive price required", 400)
			return
		}
		p, indexed := g.upsertProduct(r, req)
		if p == nil {
			g.writeError(w, "storing product failed", 500)
			return
		}
		g.writeJSON(w, 201, map[string]any{"id": p.ID, "indexed": indexed})

	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// handleProductSeed implements POST /products/seed with a JSON array.
func (g *Gateway) handleProductSeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}
	var reqs []productRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil || len(reqs) == 0 {
		g.writeError(w, "non-empty product array required", 400)
		return
	}

	created, indexed := 0, 0
	for _, req := range reqs {
		if req.Name == "" || req.Price <= 0 {
			continue
		}
		p, ok := g.upsertProduct(r, req)
		if p == nil {
			continue
		}
		created++
		if ok {
			indexed++
		}
	}
	g.writeJSON(w, 200, map[string]int{"created": created, "indexed": indexed})
}

// handleProductByID implements GET, PUT, and DELETE /products/{id}
func (g *Gateway) handleProductByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r, "/products/")
	if id == "" {
		g.writeError(w, "product id required", 400)
		return
	}

	switch r.Method {
	case http.MethodGet:
		p, err := g.store.GetProduct(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			g.writeError(w, "product not found", 404)
			return
		}
		if err != nil {
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 200, map[string]any{
			"id": p.ID, "name": p.Name, "description": p.Description,
			"price": p.Price, "stock": p.Stock, "indexed": len(p.Embedding) > 0,
		})

	case http.MethodPut:
		var req productRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Price <= 0 {
			g.writeError(w, "name and positive price required", 400)
			return
		}
		req.ID = id
		p, indexed := g.upsertProduct(r, req)
		if p == nil {
			g.writeError(w, "storing product failed", 500)
			return
		}
		g.writeJSON(w, 200, map[string]any{"id": p.ID, "indexed": indexed})

	case http.MethodDelete:
		if err := g.store.DeleteProduct(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.writeError(w, "product not found", 404)
				return
			}
			g.writeError(w, err.Error(), 500)
			return
		}
		g.writeJSON(w, 200, map[string]string{"status": "deleted"})

	default:
		g.writeError(w, "method not allowed", 405)
	}
}

// ---------- Settings ----------

// settingsView renders the current runtime settings. Typing durations
// go over the wire as milliseconds.
func (g *Gateway) settingsView() map[string]any {
	return map[string]any{
		"auto_respond":        g.settings.AutoRespond(),
		"agent_name":          g.settings.AgentName(),
		"typing_per_char_ms":  g.settings.TypingPerChar().Milliseconds(),
		"max_typing_delay_ms": g.settings.MaxTypingDelay().Milliseconds(),
	}
}

// handleSettings implements GET and PUT /settings
func (g *Gateway) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.writeJSON(w, 200, g.settingsView())

	case http.MethodPut:
		var req struct {
			AutoRespond      *bool   `json:"auto_respond"`
			AgentName        *string `json:"agent_name"`
			TypingPerCharMS  *int64  `json:"typing_per_char_ms"`
			MaxTypingDelayMS *int64  `json:"max_typing_delay_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.writeError(w, "invalid request body", 400)
			return
		}
		if req.AutoRespond != nil {
			g.settings.SetAutoRespond(*req.AutoRespond)
			g.logger.Info("auto-respond updated", "enabled", *req.AutoRespond)
		}
		if req.AgentName != nil {
			g.settings.SetAgentName(*req.AgentName)
			g.logger.Info("agent name updated", "name", *req.AgentName)
		}
		if req.TypingPerCharMS != nil {
			g.settings.SetTypingPerChar(time.Duration(*req.TypingPerCharMS) * time.Millisecond)
			g.logger.Info("typing pace updated", "per_char_ms", *req.TypingPerCharMS)
		}
		if req.MaxTypingDelayMS != nil {
			g.settings.SetMaxTypingDelay(time.Duration(*req.MaxTypingDelayMS) * time.Millisecond)
			g.logger.Info("typing cap updated", "max_ms", *req.MaxTypingDelayMS)
		}
		g.writeJSON(w, 200, g.settingsView())

	default:
		g.writeError(w, "method not allowed", 405)
	}
}
