package chat

import (
	"context"
	"errors"
	"log/slog"
	"nowplaying-notifier/compose"
	"nowplaying-notifier/pkg/notifier"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/thejerf/suture/v4"
)

// Refresher re-runs reconciliation for one subscriber outside the schedule.
type Refresher interface {
	Refresh(ctx context.Context, subscriberID string) error
}

// Updater is the subset of the bot client used to receive callback queries.
type Updater interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// refreshTimeout keeps a refresh inside Telegram's window for answering a callback query.
const refreshTimeout = 10 * time.Second

// CallbackListener long-polls Telegram for refresh button presses. Each
// press is handled in its own goroutine so a slow refresh never holds up
// the others.
type CallbackListener struct {
	bot       Updater
	refresher Refresher
	logger    *slog.Logger
	inflight  sync.WaitGroup
}

// NewCallbackListener creates a listener that dispatches refresh callbacks.
func NewCallbackListener(bot Updater, refresher Refresher, logger *slog.Logger) *CallbackListener {
	return &CallbackListener{
		bot:       bot,
		refresher: refresher,
		logger:    logger,
	}
}

// String names the service in supervisor logs.
func (*CallbackListener) String() string { return "telegram-callbacks" }

// Serve implements suture.Service.
func (l *CallbackListener) Serve(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	cfg.AllowedUpdates = []string{"callback_query"}

	updates := l.bot.GetUpdatesChan(cfg)
	// The client cannot restart polling after a stop, so this service is never restarted.
	defer l.bot.StopReceivingUpdates()
	defer l.inflight.Wait()

	l.logger.Info("Listening for refresh callbacks")
	for {
		select {
		case <-ctx.Done():
			return suture.ErrDoNotRestart
		case update, ok := <-updates:
			if !ok {
				l.logger.Warn("Telegram updates channel closed")
				return suture.ErrDoNotRestart
			}
			if q := update.CallbackQuery; q != nil {
				l.inflight.Go(func() { l.handle(ctx, q) })
			}
		}
	}
}

func (l *CallbackListener) handle(ctx context.Context, q *tgbotapi.CallbackQuery) {
	id, ok := compose.ParseRefresh(q.Data)
	if !ok {
		l.logger.Debug("Ignoring unknown callback", "data", q.Data)
		l.answer(q.ID, "")
		return
	}

	l.logger.Info("Refresh requested", "subscriber_id", id)
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	err := l.refresher.Refresh(ctx, id)
	switch {
	case err == nil:
		l.answer(q.ID, "Updated")
	case errors.Is(err, notifier.ErrBusy):
		l.answer(q.ID, "Already updating")
	case errors.Is(err, notifier.ErrNotConfigured):
		l.answer(q.ID, "Nothing to refresh")
	default:
		l.logger.Warn("Refresh failed", "subscriber_id", id, "error", err)
		l.answer(q.ID, "Could not refresh right now")
	}
}

func (l *CallbackListener) answer(queryID, text string) {
	if _, err := l.bot.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		l.logger.Warn("Failed to answer callback query", "error", err)
	}
}
