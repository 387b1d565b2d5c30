package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/datescan-worker/internal/errors"
	"github.com/adverant/nexus/datescan-worker/internal/logging"
	"github.com/adverant/nexus/datescan-worker/internal/viewstate"
)

// Publisher is the part of a Redis client the mirror needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// DateMirror forwards every slot update to a Redis pub/sub channel.
// Slow publishes skip intermediate updates; only the newest is sent.
type DateMirror struct {
	publisher Publisher
	channel   string
	slot      *viewstate.DateSlot
	logger    *logging.Logger
	wg        sync.WaitGroup
}

// NewDateMirror creates a mirror of slot onto channel
func NewDateMirror(publisher Publisher, channel string, slot *viewstate.DateSlot, logger *logging.Logger) *DateMirror {
	if logger == nil {
		logger = logging.NewLogger("mirror")
	}
	return &DateMirror{
		publisher: publisher,
		channel:   channel,
		slot:      slot,
		logger:    logger,
	}
}

// Start mirrors updates until ctx is done
func (m *DateMirror) Start(ctx context.Context) {
	updates := m.slot.Watch(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for u := range updates {
			if err := m.publish(ctx, u); err != nil {
				m.logger.Warn("Date mirror publish failed", "error", err)
			}
		}
	}()
}

// Wait blocks until the mirror goroutine has exited
func (m *DateMirror) Wait() {
	m.wg.Wait()
}

func (m *DateMirror) publish(ctx context.Context, u viewstate.Update) error {
	data, err := json.Marshal(u.Snapshot())
	if err != nil {
		return errors.NewPublishFailedError(m.channel, err)
	}
	if err := m.publisher.Publish(ctx, m.channel, data).Err(); err != nil {
		return errors.NewPublishFailedError(m.channel, err)
	}
	return nil
}
