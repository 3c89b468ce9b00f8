// Package whatsapp – dispatch.go turns inbound message events into agent
// turns and delivers replies with human pacing: typing indicators, delays
// proportional to message length, and multi-fragment messages. Turns for
// the same conversation run strictly in order; different conversations
// run in parallel.
package whatsapp

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/mharbouli/soukbot/pkg/soukbot/agent"
	"github.com/mharbouli/soukbot/pkg/soukbot/config"
)

// Responder handles one customer turn.
type Responder interface {
	ProcessMessage(ctx context.Context, conversationID, sessionID, message string) (*agent.Result, error)
	Apology() string
}

// fragmentPattern splits replies on paragraph breaks. Models sometimes
// emit the two-character escape sequence instead of real newlines, so
// both forms count.
var fragmentPattern = regexp.MustCompile(`(?:\r?\n){2,}|(?:\\n){2,}`)

// Fixed typing simulation bounds. The per-character pace and the upper
// cap are runtime settings.
const (
	typingBase      = 500 * time.Millisecond
	typingJitterMax = 500 * time.Millisecond
	typingMin       = 1 * time.Second
)

// workerIdleTimeout is how long a conversation worker lingers with an
// empty queue before retiring.
const workerIdleTimeout = 5 * time.Minute

// turn is one queued inbound message.
type turn struct {
	session *Session
	evt     *events.Message
	text    string
	convID  string
}

// Dispatcher routes inbound messages through the agent and back out.
type Dispatcher struct {
	responder   Responder
	settings    *config.Settings
	logger      *slog.Logger
	idleTimeout time.Duration

	mu     sync.Mutex
	queues map[string]chan turn
}

// NewDispatcher creates a dispatcher backed by the given responder.
func NewDispatcher(responder Responder, settings *config.Settings, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		responder:   responder,
		settings:    settings,
		logger:      logger.With("component", "dispatch"),
		idleTimeout: workerIdleTimeout,
		queues:      make(map[string]chan turn),
	}
}

// HandleMessage filters an inbound event and enqueues it for its
// conversation's worker. Called from the whatsmeow event goroutine, so
// it never blocks: a full queue drops the message with a log line.
func (d *Dispatcher) HandleMessage(s *Session, evt *events.Message) {
	// Own outbound messages echo back; skip them.
	if evt.Info.IsFromMe {
		return
	}
	// Status broadcasts and groups are not sales conversations.
	if evt.Info.Chat.Server == "broadcast" || evt.Info.IsGroup {
		return
	}

	text := strings.TrimSpace(extractText(evt.Message))
	if text == "" {
		// Stickers, audio, documents: nothing to answer.
		return
	}

	convID := conversationID(evt.Info.Sender.String())

	// Enqueue under the lock: a worker only retires its queue while
	// holding it, so a message can never land in an abandoned queue.
	d.mu.Lock()
	q, ok := d.queues[convID]
	if !ok {
		q = make(chan turn, 32)
		d.queues[convID] = q
		go d.worker(convID, q)
	}
	select {
	case q <- turn{session: s, evt: evt, text: text, convID: convID}:
	default:
		d.logger.Warn("conversation queue full, dropping message",
			"conversation", convID)
	}
	d.mu.Unlock()
}

// worker processes one conversation's turns serially. It retires after
// sitting idle, so the goroutine count tracks active conversations
// instead of growing with every sender ever seen.
func (d *Dispatcher) worker(convID string, q chan turn) {
	for {
		select {
		case t := <-q:
			d.processTurn(t)
		case <-time.After(d.idleTimeout):
			d.mu.Lock()
			if len(q) > 0 {
				d.mu.Unlock()
				continue
			}
			delete(d.queues, convID)
			d.mu.Unlock()
			return
		}
	}
}

// processTurn runs one agent turn and sends the reply. A panicking or
// failing turn produces an apology instead of silence, and never takes
// the worker down.
func (d *Dispatcher) processTurn(t turn) {
	if !d.settings.AutoRespond() {
		d.logger.Debug("auto-respond disabled, dropping message",
			"conversation", t.convID)
		return
	}

	ctx := t.session.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	reply := func() string {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("turn panicked",
					"conversation", t.convID, "panic", r)
			}
		}()
		res, err := d.responder.ProcessMessage(ctx, t.convID, t.session.ID, t.text)
		if err != nil {
			d.logger.Error("turn failed",
				"conversation", t.convID, "error", err)
			return ""
		}
		return res.Reply
	}()
	if reply == "" {
		reply = d.responder.Apology()
	}

	d.deliver(ctx, t, reply)
}

// deliver fragments the reply and sends each piece with typing pacing.
// When the customer fired off several questions, the first fragment
// quotes their message so it is clear what is being answered.
func (d *Dispatcher) deliver(ctx context.Context, t turn, reply string) {
	to := t.evt.Info.Chat
	fragments := fragmentReply(reply)
	quoteFirst := strings.Count(t.text, "?") > 1

	for i, fragment := range fragments {
		t.session.sendTyping(ctx, to, true)
		select {
		case <-time.After(d.typingDelay(fragment)):
		case <-ctx.Done():
			t.session.sendTyping(ctx, to, false)
			return
		}
		t.session.sendTyping(ctx, to, false)

		var quote *quotedRef
		if i == 0 && quoteFirst {
			quote = &quotedRef{
				StanzaID:    string(t.evt.Info.ID),
				Participant: t.evt.Info.Sender.String(),
				Message:     t.evt.Message,
			}
		}

		if err := t.session.sendText(ctx, to, fragment, quote); err != nil {
			d.logger.Error("sending reply failed",
				"conversation", t.convID, "fragment", i, "error", err)
			return
		}
	}
}

// fragmentReply splits a reply into separately sent messages on
// paragraph breaks. Empty pieces are dropped; a reply with no breaks
// goes out whole.
func fragmentReply(reply string) []string {
	parts := fragmentPattern.Split(reply, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{strings.TrimSpace(reply)}
	}
	return out
}

// typingDelay simulates how long a human would type a fragment. Pace
// and cap come from runtime settings so the control plane can tune them.
func (d *Dispatcher) typingDelay(fragment string) time.Duration {
	delay := typingBase + time.Duration(len(fragment))*d.settings.TypingPerChar()
	delay += time.Duration(rand.Int63n(int64(typingJitterMax)))
	if delay < typingMin {
		return typingMin
	}
	if limit := d.settings.MaxTypingDelay(); delay > limit {
		return limit
	}
	return delay
}

// conversationID derives the stable conversation key from a sender JID.
func conversationID(senderJID string) string {
	return "whatsapp_" + strings.TrimSuffix(senderJID, "@s.whatsapp.net")
}
