package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nowplaying-notifier/metrics"
	"nowplaying-notifier/pkg/notifier"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// Sender is the subset of the bot client used for delivery.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers notifications through the Telegram Bot API.
type Telegram struct {
	bot     Sender
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewTelegram creates a Telegram provider. ratePerSecond <= 0 disables pacing.
func NewTelegram(bot Sender, ratePerSecond float64, logger *slog.Logger) *Telegram {
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Telegram{
		bot:     bot,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Send posts a new message, as a photo when the message has one, and returns its id.
func (t *Telegram) Send(ctx context.Context, target string, msg *notifier.Message) (int, error) {
	chatID, username := parseTarget(target)
	markup := keyboard(msg.Keyboard)

	var c tgbotapi.Chattable
	op := "send_text"
	if msg.HasPhoto() {
		op = "send_photo"
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.PhotoURL))
		photo.ChannelUsername = username
		photo.Caption = msg.Caption
		photo.ParseMode = tgbotapi.ModeHTML
		if markup != nil {
			photo.ReplyMarkup = *markup
		}
		c = photo
	} else {
		text := tgbotapi.NewMessage(chatID, msg.Caption)
		text.ChannelUsername = username
		text.ParseMode = tgbotapi.ModeHTML
		if markup != nil {
			text.ReplyMarkup = *markup
		}
		c = text
	}

	var sent tgbotapi.Message
	err := retry.Do(
		func() error {
			var err error
			sent, err = t.do(ctx, op, c)
			return err
		},
		retry.Attempts(2),
		retry.Delay(time.Second),
		retry.MaxDelay(3*time.Second),
		retry.Context(ctx),
		// Only a flood-wait reply guarantees nothing was posted, so only that is retried.
		retry.RetryIf(isFloodWait),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Info("Retrying Telegram send after flood wait", "target", target, "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return 0, classify(op, err)
	}
	return sent.MessageID, nil
}

// Edit replaces the content of an existing message in place. When the
// live message kind does not match (photo vs text) it falls back to the
// compatible edit so the same message stays live.
func (t *Telegram) Edit(ctx context.Context, target string, messageID int, msg *notifier.Message) error {
	chatID, username := parseTarget(target)
	base := tgbotapi.BaseEdit{
		ChatID:          chatID,
		ChannelUsername: username,
		MessageID:       messageID,
		ReplyMarkup:     keyboard(msg.Keyboard),
	}

	if msg.HasPhoto() {
		media := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(msg.PhotoURL))
		media.Caption = msg.Caption
		media.ParseMode = tgbotapi.ModeHTML
		err := t.edit(ctx, "edit_media", tgbotapi.EditMessageMediaConfig{BaseEdit: base, Media: media})
		if !isKindMismatch(err) {
			return err
		}
		t.logger.Debug("Live message has no media, editing text instead", "target", target, "message_id", messageID)
		return t.edit(ctx, "edit_text", tgbotapi.EditMessageTextConfig{BaseEdit: base, Text: msg.Caption, ParseMode: tgbotapi.ModeHTML})
	}

	err := t.edit(ctx, "edit_caption", tgbotapi.EditMessageCaptionConfig{BaseEdit: base, Caption: msg.Caption, ParseMode: tgbotapi.ModeHTML})
	if !isKindMismatch(err) {
		return err
	}
	return t.edit(ctx, "edit_text", tgbotapi.EditMessageTextConfig{BaseEdit: base, Text: msg.Caption, ParseMode: tgbotapi.ModeHTML})
}

func (t *Telegram) edit(ctx context.Context, op string, c tgbotapi.Chattable) error {
	_, err := t.do(ctx, op, c)
	if err == nil || isNotModified(err) {
		return nil
	}
	if isKindMismatch(err) {
		return err
	}
	return classify(op, err)
}

func (t *Telegram) do(ctx context.Context, op string, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	msg, err := t.bot.Send(c)
	duration := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
		if isNotModified(err) {
			result = "not_modified"
		}
	}
	metrics.DeliveryTotal.WithLabelValues(op, result).Inc()
	t.logger.Debug("Telegram request completed",
		"op", op,
		"result", result,
		"duration_ms", duration.Milliseconds())

	return msg, err
}

func parseTarget(target string) (int64, string) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return id, ""
	}
	if !strings.HasPrefix(target, "@") {
		target = "@" + target
	}
	return 0, target
}

func keyboard(rows [][]notifier.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	var out [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			if b.CallbackData != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.CallbackData))
			} else {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			}
		}
		out = append(out, buttons)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(out...)
	return &markup
}

func apiError(err error) (*tgbotapi.Error, bool) {
	var pe *tgbotapi.Error
	if errors.As(err, &pe) {
		return pe, true
	}
	var ve tgbotapi.Error
	if errors.As(err, &ve) {
		return &ve, true
	}
	return nil, false
}

func description(err error) string {
	if e, ok := apiError(err); ok {
		return strings.ToLower(e.Message)
	}
	return ""
}

var (
	messageGoneMarkers = []string{
		"message to edit not found",
		"message not found",
		"message_id_invalid",
	}
	targetGoneMarkers = []string{
		"chat not found",
		"bot was kicked",
		"bot is not a member",
		"bot was blocked",
		"user is deactivated",
		"not enough rights",
		"have no rights",
		"need administrator rights",
		"chat_write_forbidden",
		"channel_private",
		"group chat was upgraded",
	}
)

func classify(op string, err error) error {
	kind := Transient
	desc := description(err)
	if e, ok := apiError(err); ok && e.Code == 403 {
		kind = TargetGone
	}
	for _, m := range targetGoneMarkers {
		if strings.Contains(desc, m) {
			kind = TargetGone
		}
	}
	for _, m := range messageGoneMarkers {
		if strings.Contains(desc, m) {
			kind = MessageGone
		}
	}
	return &DeliveryError{Op: op, Kind: kind, Err: err}
}

func isNotModified(err error) bool {
	return strings.Contains(description(err), "message is not modified")
}

// isKindMismatch matches edits of the wrong kind, e.g. a caption edit on a text message.
func isKindMismatch(err error) bool {
	desc := description(err)
	return strings.Contains(desc, "there is no") && strings.Contains(desc, "in the message to edit")
}

func isFloodWait(err error) bool {
	e, ok := apiError(err)
	return ok && (e.Code == 429 || e.RetryAfter > 0)
}
