// Package followup nudges customers whose order collection stalled.
// A cron sweep finds conversations with an incomplete pending order that
// have been idle too long and sends one reminder through the session the
// conversation came from.
package followup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mharbouli/soukbot/pkg/soukbot/config"
	"github.com/mharbouli/soukbot/pkg/soukbot/store"
)

// Sender delivers a reminder through a WhatsApp session.
type Sender interface {
	SendText(ctx context.Context, sessionID, to, text string) error
}

// Sweeper runs the periodic follow-up job.
type Sweeper struct {
	cfg      config.FollowUpConfig
	store    *store.Store
	sender   Sender
	settings *config.Settings
	cron     *cron.Cron
	logger   *slog.Logger
}

// New creates a sweeper.
func New(cfg config.FollowUpConfig, st *store.Store, sender Sender, settings *config.Settings, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		store:    st,
		sender:   sender,
		settings: settings,
		logger:   logger.With("component", "followup"),
	}
}

// Start schedules the sweep. No-op when disabled.
func (s *Sweeper) Start() error {
	if !s.cfg.Enabled {
		s.logger.Info("follow-up sweeper disabled")
		return nil
	}

	schedule := s.cfg.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return fmt.Errorf("scheduling follow-up sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("follow-up sweeper started", "schedule", schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// Sweep sends one reminder per stale conversation. Reminders go through
// the conversation's originating session; web chats have no transport
// and are skipped. Sending the reminder touches the conversation, so the
// same order is not nudged again until it goes stale once more.
func (s *Sweeper) Sweep() {
	if !s.settings.AutoRespond() {
		s.logger.Debug("auto-respond disabled, skipping sweep")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	convs, err := s.store.StalePendingOrders(ctx, cutoff)
	if err != nil {
		s.logger.Error("querying stale orders failed", "error", err)
		return
	}

	nudged := 0
	for _, conv := range convs {
		to, ok := strings.CutPrefix(conv.ID, "whatsapp_")
		if !ok || conv.SessionID == "" {
			continue
		}

		reminder := s.reminderText(conv.Pending)
		if err := s.sender.SendText(ctx, conv.SessionID, to, reminder); err != nil {
			s.logger.Warn("sending reminder failed",
				"conversation", conv.ID, "session", conv.SessionID, "error", err)
			continue
		}

		if err := s.store.AppendMessage(ctx, conv.ID, "assistant", reminder); err != nil {
			s.logger.Error("recording reminder failed", "conversation", conv.ID, "error", err)
		}
		nudged++
	}

	if nudged > 0 || len(convs) > 0 {
		s.logger.Info("follow-up sweep done", "stale", len(convs), "nudged", nudged)
	}
}

// reminderText builds the nudge message for an incomplete order.
func (s *Sweeper) reminderText(po *store.PendingOrder) string {
	name := s.settings.AgentName()
	if po != nil && po.ProductName != "" {
		return fmt.Sprintf("Hey! Still interested in the %s? Your order is almost done, I just need %s to wrap it up. - %s",
			po.ProductName, strings.Join(po.MissingFields(), ", "), name)
	}
	return fmt.Sprintf("Hey! We didn't finish your order. Want me to complete it for you? - %s", name)
}
