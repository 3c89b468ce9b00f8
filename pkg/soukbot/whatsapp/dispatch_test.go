package whatsapp

import (
	"log/slog"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/mharbouli/soukbot/pkg/soukbot/config"
)

func newTestDispatcher() *Dispatcher {
	cfg := config.DefaultConfig()
	return NewDispatcher(nil, config.NewSettings(cfg), slog.New(slog.DiscardHandler))
}

func TestFragmentReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  []string
	}{
		{
			name:  "no breaks goes out whole",
			reply: "Just one message.",
			want:  []string{"Just one message."},
		},
		{
			name:  "double newline splits",
			reply: "First thought.\n\nSecond thought.",
			want:  []string{"First thought.", "Second thought."},
		},
		{
			name:  "crlf breaks split",
			reply: "One.\r\n\r\nTwo.",
			want:  []string{"One.", "Two."},
		},
		{
			name:  "escaped newlines from the model split too",
			reply: `Price is 300.\n\nWant me to reserve one?`,
			want:  []string{"Price is 300.", "Want me to reserve one?"},
		},
		{
			name:  "single newline stays together",
			reply: "Line one\nLine two",
			want:  []string{"Line one\nLine two"},
		},
		{
			name:  "blank fragments dropped",
			reply: "Hello.\n\n\n\n\n\nBye.",
			want:  []string{"Hello.", "Bye."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fragmentReply(tt.reply)
			if len(got) != len(tt.want) {
				t.Fatalf("fragmentReply() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("fragment[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTypingDelay_Bounds(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	limit := d.settings.MaxTypingDelay()

	short := d.typingDelay("ok")
	if short < typingMin {
		t.Errorf("short fragment delay %v below minimum %v", short, typingMin)
	}

	long := d.typingDelay(string(make([]byte, 2000)))
	if long > limit {
		t.Errorf("long fragment delay %v above maximum %v", long, limit)
	}

	// Jitter keeps the delay random but always inside the window.
	for range 50 {
		delay := d.typingDelay("a medium length reply about a product")
		if delay < typingMin || delay > limit {
			t.Fatalf("delay %v outside [%v, %v]", delay, typingMin, limit)
		}
	}
}

func TestTypingDelay_GrowsWithLength(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()

	// Averaged over many samples the jitter cancels out enough that a much
	// longer fragment takes longer to "type".
	var shortSum, longSum time.Duration
	for range 100 {
		shortSum += d.typingDelay("hi")
		longSum += d.typingDelay("this is a considerably longer fragment describing the product in detail")
	}
	if longSum <= shortSum {
		t.Errorf("longer fragments should average longer delays: %v <= %v", longSum, shortSum)
	}
}

func TestTypingDelay_HonorsRuntimeSettings(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	d.settings.SetTypingPerChar(100 * time.Millisecond)
	d.settings.SetMaxTypingDelay(2 * time.Second)

	// 100 chars at 100ms each blows well past the cap, so every sample
	// clamps to the new maximum.
	long := string(make([]byte, 100))
	for range 50 {
		if delay := d.typingDelay(long); delay != 2*time.Second {
			t.Fatalf("delay = %v, want the 2s cap from settings", delay)
		}
	}
}

func TestConversationID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		jid  string
		want string
	}{
		{"212612345678@s.whatsapp.net", "whatsapp_212612345678"},
		{"212612345678.0:1@s.whatsapp.net", "whatsapp_212612345678.0:1"},
		{"212612345678", "whatsapp_212612345678"},
	}
	for _, tt := range tests {
		if got := conversationID(tt.jid); got != tt.want {
			t.Errorf("conversationID(%q) = %q, want %q", tt.jid, got, tt.want)
		}
	}
}

func TestWorkerRetiresWhenIdle(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher()
	d.idleTimeout = 20 * time.Millisecond

	// A session that never connected: its nil context drops the turn
	// before the responder, which is all this test needs.
	cfg := config.DefaultConfig()
	s := newSession("main", cfg.WhatsApp, slog.New(slog.DiscardHandler))

	jid := types.NewJID("212612345678", types.DefaultUserServer)
	d.HandleMessage(s, &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: jid, Sender: jid},
			ID:            "MSG1",
		},
		Message: &waE2E.Message{Conversation: proto.String("salam")},
	})

	d.mu.Lock()
	n := len(d.queues)
	d.mu.Unlock()
	if n != 1 {
		t.Fatalf("queues = %d, want 1 after enqueue", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		n = len(d.queues)
		d.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("idle worker never retired its queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
