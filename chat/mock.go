package chat

import (
	"context"
	"log/slog"
	"nowplaying-notifier/pkg/notifier"
	"sync"
)

// MockProvider logs deliveries instead of calling a chat platform. It is
// used for local development when no bot token is configured.
type MockProvider struct {
	logger *slog.Logger
	nextID int
	mu     sync.Mutex
}

// NewMockProvider creates a new mock chat provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
		nextID: 1,
	}
}

// Send logs the message and returns a fresh message id.
func (m *MockProvider) Send(ctx context.Context, target string, msg *notifier.Message) (int, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()

	m.logger.Info("MOCK SEND",
		"target", target,
		"message_id", id,
		"photo", msg.PhotoURL,
		"caption_length", len(msg.Caption))
	return id, nil
}

// Edit logs the edit.
func (m *MockProvider) Edit(ctx context.Context, target string, messageID int, msg *notifier.Message) error {
	m.logger.Info("MOCK EDIT",
		"target", target,
		"message_id", messageID,
		"photo", msg.PhotoURL,
		"caption_length", len(msg.Caption))
	return nil
}
