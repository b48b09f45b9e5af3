// Package notifier implements outbound Telegram messaging for the
// Subscription Controller, grounded on the teacher's go-telegram/bot usage
// (bot.SendMessageParams/SendPhotoParams with models.ParseModeHTML) in
// internal/notification/subscription.go and internal/broadcast/service.go.
package notifier

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"vpn-service/utils"
)

// TelegramBot is the narrow slice of *bot.Bot this package depends on, kept
// as an interface so tests can stub it without a live token.
type TelegramBot interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendDocument(ctx context.Context, params *bot.SendDocumentParams) (*models.Message, error)
}

type Notifier struct {
	bot     TelegramBot
	adminID int64
}

func New(b TelegramBot, adminID int64) *Notifier {
	return &Notifier{bot: b, adminID: adminID}
}

// SendSubscriptionConfig implements T-Create's messaging contract: the
// WireGuard config delivered as a document plus an instructional text.
// QR rendering is intentionally out of scope here; no QR-encoding library
// appears anywhere in the retrieval pack this module was built from, and
// nothing in the rest of the corpus exercises one either.
func (n *Notifier) SendSubscriptionConfig(ctx context.Context, tgID int64, configText string) error {
	doc := &models.InputFileUpload{
		Filename: "wg0.conf",
		Data:     bytes.NewReader([]byte(configText)),
	}
	if _, err := n.bot.SendDocument(ctx, &bot.SendDocumentParams{
		ChatID:   tgID,
		Document: doc,
		Caption:  "Your WireGuard configuration is attached. Import it into the WireGuard app to connect.",
	}); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// SendExtendedMessage implements T-Extend's messaging contract: a textual
// "extended until ..." notice, no config resent.
func (n *Notifier) SendExtendedMessage(ctx context.Context, tgID int64, newExpiresAt time.Time) error {
	text := fmt.Sprintf("Your subscription has been extended until %s.", newExpiresAt.UTC().Format("2006-01-02 15:04 MST"))
	return n.SendText(ctx, tgID, text)
}

func (n *Notifier) SendText(ctx context.Context, tgID int64, text string) error {
	_, err := n.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    tgID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	})
	return err
}

// NotifyAdmin relays an operator-facing text as given; the text is not
// sanitized here (AdminUserLine builds a sanitized user line for callers).
func (n *Notifier) NotifyAdmin(ctx context.Context, text string) error {
	if n.adminID == 0 {
		return nil
	}
	return n.SendText(ctx, n.adminID, text)
}

// AdminUserLine formats a safe, impersonation-resistant line describing a
// user for admin-facing notifications.
func AdminUserLine(tgID int64, username, displayName string) string {
	safeName := utils.DisplayNameOrFallback(&displayName, strconv.FormatInt(tgID, 10))
	safeUsername := utils.UsernameForDisplay(&username, true)
	return fmt.Sprintf("%s (%s, id %d)", safeName, safeUsername, tgID)
}
