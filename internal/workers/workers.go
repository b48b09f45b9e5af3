// Package workers implements the Time Workers (C5): the expiry sweeper and
// the reminder scheduler, both periodic background tasks hosted in the
// same process as the HTTP handlers. Grounded on the teacher's
// cron.New(cron.WithSeconds())/AddFunc/panic-on-schedule-error idiom from
// cmd/app/main.go's subscriptionChecker and setupInvoiceChecker.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"vpn-service/internal/config"
	"vpn-service/internal/controller"
	"vpn-service/internal/database"
)

// Schedule wires both workers onto a single cron instance created with
// second-level precision; their 60s/600s intervals are registered as
// "@every <duration>" descriptors built by everySeconds.
func Schedule(subRepo *database.SubscriptionRepository, notifyRepo *database.NotificationRepository, ctl *controller.Controller, notifier controller.Notifier) *cron.Cron {
	c := cron.New(cron.WithSeconds())

	sweepSpec := everySeconds(config.ExpirySweepIntervalSeconds())
	if _, err := c.AddFunc(sweepSpec, func() {
		defer recoverAndLog("expiry sweeper")
		sweepExpired(context.Background(), subRepo, ctl)
	}); err != nil {
		panic(err)
	}

	reminderSpec := everySeconds(config.ReminderIntervalSeconds())
	if _, err := c.AddFunc(reminderSpec, func() {
		defer recoverAndLog("reminder scheduler")
		sendReminders(context.Background(), subRepo, notifyRepo, notifier)
	}); err != nil {
		panic(err)
	}

	return c
}

func everySeconds(n int) string {
	if n <= 0 {
		n = 60
	}
	return "@every " + (time.Duration(n) * time.Second).String()
}

func recoverAndLog(job string) {
	if r := recover(); r != nil {
		slog.Error("panic in time worker", "job", job, "panic", r)
	}
}

// sweepExpired is W1: every tick, deactivate every row whose expiry has
// passed. Silent on failure; the next tick retries naturally since the row
// is still active.
func sweepExpired(ctx context.Context, subRepo *database.SubscriptionRepository, ctl *controller.Controller) {
	expired, err := subRepo.GetExpiredActive(ctx, nil)
	if err != nil {
		slog.Error("expiry sweep: load expired subscriptions", "error", err)
		return
	}
	for _, sub := range expired {
		eventName := fmt.Sprintf("expiry_sweep_%d_%d", sub.ID, time.Now().Unix())
		if err := ctl.Deactivate(ctx, sub.ID, eventName); err != nil {
			slog.Error("expiry sweep: deactivate", "subscriptionId", sub.ID, "error", err)
		}
	}
}

// reminderWindow describes one of the three lookahead windows W2 scans.
type reminderWindow struct {
	kind      string
	fromHours float64
	toHours   float64
}

var reminderWindows = []reminderWindow{
	{kind: database.NotificationExpires3Days, fromHours: 60, toHours: 73},
	{kind: database.NotificationExpires1Day, fromHours: 12, toHours: 25},
	{kind: database.NotificationExpires1Hour, fromHours: 1, toHours: 2},
}

// sendReminders is W2: for each window, find subscriptions expiring in that
// range, and for each one not yet notified for that kind, claim the
// (subscription, kind) marker first and deliver the message only if the
// claim succeeded. A delivery that fails leaves the marker in place, so it
// is not retried.
func sendReminders(ctx context.Context, subRepo *database.SubscriptionRepository, notifyRepo *database.NotificationRepository, notifier controller.Notifier) {
	if quietHoursActive() {
		return
	}

	for _, window := range reminderWindows {
		subs, err := subRepo.GetExpiringBetween(ctx, nil, window.fromHours, window.toHours)
		if err != nil {
			slog.Error("reminder scheduler: load expiring subscriptions", "window", window.kind, "error", err)
			continue
		}
		for _, sub := range subs {
			if err := notifyOne(ctx, notifyRepo, notifier, sub, window.kind); err != nil {
				slog.Error("reminder scheduler: notify", "subscriptionId", sub.ID, "window", window.kind, "error", err)
			}
		}
	}
}

func notifyOne(ctx context.Context, notifyRepo *database.NotificationRepository, notifier controller.Notifier, sub database.Subscription, kind string) error {
	claimed, err := notifyRepo.TryMarkSent(ctx, nil, &database.SubscriptionNotification{
		SubscriptionID:   sub.ID,
		NotificationType: kind,
		TelegramUserID:   sub.TelegramUserID,
		ExpiresAt:        sub.ExpiresAt,
	})
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	text := reminderText(sub, kind)
	return notifier.SendText(ctx, sub.TelegramUserID, text)
}

func reminderText(sub database.Subscription, kind string) string {
	switch kind {
	case database.NotificationExpires3Days:
		return "Your subscription expires in about 3 days."
	case database.NotificationExpires1Day:
		return "Your subscription expires in about 1 day."
	case database.NotificationExpires1Hour:
		return "Your subscription expires in about 1 hour."
	default:
		return "Your subscription is expiring soon."
	}
}

// quietHoursActive reports whether the current UTC hour falls outside the
// configured [start..end] reminder window, per spec's optional quiet hours.
func quietHoursActive() bool {
	if !config.ReminderQuietHoursEnabled() {
		return false
	}
	hour := time.Now().UTC().Hour()
	start := config.ReminderQuietHourStart()
	end := config.ReminderQuietHourEnd()
	return hour < start || hour > end
}
