package followup

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mharbouli/soukbot/pkg/soukbot/config"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

type sentReminder struct {
	sessionID string
	to        string
	text      string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentReminder
}

func (f *fakeSender) SendText(_ context.Context, sessionID, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentReminder{sessionID, to, text})
	return nil
}

type sweeperFixture struct {
	sweeper *Sweeper
	store   *store.Store
	sender  *fakeSender
	dbPath  string
}

func newTestSweeper(t *testing.T) *sweeperFixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.FollowUp.StaleAfter = time.Hour
	sender := &fakeSender{}
	s := New(cfg.FollowUp, st, sender, config.NewSettings(cfg), slog.New(slog.DiscardHandler))
	return &sweeperFixture{sweeper: s, store: st, sender: sender, dbPath: dbPath}
}

// backdate rewrites a conversation's updated_at so it falls outside the
// stale window without sleeping through it.
func (f *sweeperFixture) backdate(t *testing.T, conversationID string, age time.Duration) {
	t.Helper()
	db, err := sql.Open("sqlite3", f.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	old := time.Now().Add(-age).UTC().Format(time.RFC3339)
	if _, err := db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, old, conversationID); err != nil {
		t.Fatal(err)
	}
}

func TestSweep_NudgesStaleWhatsAppOrders(t *testing.T) {
	t.Parallel()

	f := newTestSweeper(t)
	ctx := context.Background()

	// Stale WhatsApp conversation with an incomplete order.
	if _, err := f.store.GetOrCreateConversation(ctx, "whatsapp_212612345678", "main"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetPendingOrder(ctx, "whatsapp_212612345678", &store.PendingOrder{
		ProductName: "Wireless Earbuds",
	}); err != nil {
		t.Fatal(err)
	}
	f.backdate(t, "whatsapp_212612345678", 2*time.Hour)

	// Stale web conversation: no transport, must be skipped.
	if _, err := f.store.GetOrCreateConversation(ctx, "web_abc", ""); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetPendingOrder(ctx, "web_abc", &store.PendingOrder{ProductName: "Watch"}); err != nil {
		t.Fatal(err)
	}
	f.backdate(t, "web_abc", 2*time.Hour)

	f.sweeper.Sweep()

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d reminders, want 1", len(f.sender.sent))
	}
	got := f.sender.sent[0]
	if got.sessionID != "main" || got.to != "212612345678" {
		t.Errorf("reminder routed to %+v", got)
	}
	if !strings.Contains(got.text, "Wireless Earbuds") {
		t.Errorf("reminder text %q should name the product", got.text)
	}

	// Sending the reminder touched the conversation, so it left the stale
	// window: a second sweep must not nudge again.
	f.sweeper.Sweep()
	if len(f.sender.sent) != 1 {
		t.Errorf("second sweep re-nudged: %d reminders", len(f.sender.sent))
	}
}

func TestSweep_SkipsFreshOrders(t *testing.T) {
	t.Parallel()

	f := newTestSweeper(t)
	ctx := context.Background()

	if _, err := f.store.GetOrCreateConversation(ctx, "whatsapp_212612345678", "main"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetPendingOrder(ctx, "whatsapp_212612345678", &store.PendingOrder{ProductName: "Earbuds"}); err != nil {
		t.Fatal(err)
	}

	f.sweeper.Sweep()

	if len(f.sender.sent) != 0 {
		t.Errorf("sweep nudged a conversation that is not stale yet")
	}
}

func TestSweep_RespectsAutoRespond(t *testing.T) {
	t.Parallel()

	f := newTestSweeper(t)
	ctx := context.Background()

	if _, err := f.store.GetOrCreateConversation(ctx, "whatsapp_212612345678", "main"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetPendingOrder(ctx, "whatsapp_212612345678", &store.PendingOrder{ProductName: "Earbuds"}); err != nil {
		t.Fatal(err)
	}
	f.backdate(t, "whatsapp_212612345678", 2*time.Hour)

	f.sweeper.settings.SetAutoRespond(false)
	f.sweeper.Sweep()

	if len(f.sender.sent) != 0 {
		t.Errorf("sweep sent %d reminders with auto-respond off", len(f.sender.sent))
	}
}

func TestReminderText(t *testing.T) {
	t.Parallel()

	f := newTestSweeper(t)

	withProduct := f.sweeper.reminderText(&store.PendingOrder{ProductName: "Smart Watch"})
	if !strings.Contains(withProduct, "Smart Watch") || !strings.Contains(withProduct, "- Mohamed") {
		t.Errorf("reminder = %q", withProduct)
	}

	generic := f.sweeper.reminderText(nil)
	if !strings.Contains(generic, "- Mohamed") {
		t.Errorf("generic reminder = %q", generic)
	}
}
