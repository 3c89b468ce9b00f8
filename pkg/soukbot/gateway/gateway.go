// Package gateway provides the HTTP control plane for soukbot: session
// management, chat testing, order and product administration, and
// runtime settings.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mharbouli/soukbot/pkg/soukbot/agent"
	"github.com/mharbouli/soukbot/pkg/soukbot/catalog"
	"github.com/mharbouli/soukbot/pkg/soukbot/config"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
	"github.com/mharbouli/soukbot/pkg/soukbot/whatsapp"
)

const version = "1.0.0"

// Gateway is the HTTP control plane.
type Gateway struct {
	cfg       config.GatewayConfig
	settings  *config.Settings
	engine    *agent.Engine
	manager   *whatsapp.Manager
	store     *store.Store
	catalog   *catalog.Index
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway.
func New(cfg config.GatewayConfig, settings *config.Settings, engine *agent.Engine,
	manager *whatsapp.Manager, st *store.Store, cat *catalog.Index, logger *slog.Logger) *Gateway {
	if cfg.Port == 0 {
		cfg.Port = 3001
	}
	return &Gateway{
		cfg:      cfg,
		settings: settings,
		engine:   engine,
		manager:  manager,
		store:    st,
		catalog:  cat,
		logger:   logger.With("component", "gateway"),
	}
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	mux := http.NewServeMux()

	// Health (always public).
	mux.HandleFunc("/health", g.handleHealth)

	// WhatsApp session management.
	mux.HandleFunc("/whatsapp/sessions", g.handleSessions)
	mux.HandleFunc("/whatsapp/status/", g.handleStatus)
	mux.HandleFunc("/whatsapp/connect/", g.handleConnect)
	mux.HandleFunc("/whatsapp/qrcode/", g.handleQRCode)
	mux.HandleFunc("/whatsapp/pair/", g.handlePair)
	mux.HandleFunc("/whatsapp/disconnect/", g.handleDisconnect)
	mux.HandleFunc("/whatsapp/send/", g.handleSend)

	// Chat (direct agent access for testing and web chat).
	mux.HandleFunc("/chat", g.handleChat)
	mux.HandleFunc("/chat/sessions", g.handleChatSessions)
	mux.HandleFunc("/chat/history/", g.handleChatHistory)

	// Orders.
	mux.HandleFunc("/orders", g.handleOrders)
	mux.HandleFunc("/orders/", g.handleOrderByID)

	// Products.
	mux.HandleFunc("/products", g.handleProducts)
	mux.HandleFunc("/products/seed", g.handleProductSeed)
	mux.HandleFunc("/products/", g.handleProductByID)

	// Runtime settings.
	mux.HandleFunc("/settings", g.handleSettings)

	handler := g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.server = &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.cfg.AuthToken == "" {
		ip := net.ParseIP(g.cfg.Host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && g.cfg.Host != "localhost" {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address — anyone on the network can access the API",
				"address", addr)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// ---------- Middleware ----------

// compareTokens performs timing-safe comparison by hashing both inputs with
// SHA-256 before calling ConstantTimeCompare to prevent length-based leakage.
func compareTokens(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// authMiddleware requires Authorization: Bearer <token> when a token is
// configured. /health stays public.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.AuthToken == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth == "" {
			g.writeError(w, "missing Authorization header", 401)
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			g.writeError(w, "invalid Authorization format", 401)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if !compareTokens(token, g.cfg.AuthToken) {
			g.writeError(w, "invalid token", 401)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows browser dashboards to call the API.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
