package workers

import (
	"testing"

	"vpn-service/internal/database"
)

func TestEverySeconds(t *testing.T) {
	cases := []struct {
		in   int
		want string
	}{
		{60, "@every 1m0s"},
		{0, "@every 1m0s"},
		{-5, "@every 1m0s"},
		{600, "@every 10m0s"},
	}
	for _, tc := range cases {
		if got := everySeconds(tc.in); got != tc.want {
			t.Errorf("everySeconds(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestReminderText(t *testing.T) {
	cases := []struct {
		kind string
	}{
		{database.NotificationExpires3Days},
		{database.NotificationExpires1Day},
		{database.NotificationExpires1Hour},
		{"unknown"},
	}
	for _, tc := range cases {
		text := reminderText(database.Subscription{}, tc.kind)
		if text == "" {
			t.Errorf("reminderText(%q) returned empty string", tc.kind)
		}
	}
}

func TestReminderWindowsCoverSpecRanges(t *testing.T) {
	byKind := make(map[string]reminderWindow, len(reminderWindows))
	for _, w := range reminderWindows {
		byKind[w.kind] = w
	}

	for _, kind := range []string{
		database.NotificationExpires3Days,
		database.NotificationExpires1Day,
		database.NotificationExpires1Hour,
	} {
		w, ok := byKind[kind]
		if !ok {
			t.Fatalf("missing reminder window for %q", kind)
		}
		if w.fromHours >= w.toHours {
			t.Errorf("window %q has fromHours %.1f >= toHours %.1f", kind, w.fromHours, w.toHours)
		}
	}
}
