package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const changeTopic = "storage.change"

// Event describes one key change made through a Tab.
type Event struct {
	Key      string    `json:"key"`
	OldValue string    `json:"oldValue,omitempty"`
	NewValue string    `json:"newValue,omitempty"`
	Removed  bool      `json:"removed,omitempty"`
	Origin   string    `json:"origin"`
	At       time.Time `json:"at"`
}

// Bus carries storage-change events between tabs sharing an area.
// Delivery is asynchronous and best-effort; ordering between events is not
// guaranteed, so listeners should re-read the key rather than trust
// NewValue as the latest state.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// NewBus creates an in-process change bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermill.NewSlogLogger(logger),
	)
	return &Bus{pubsub: ps, logger: logger}
}

// Close stops delivery and closes every subscription channel.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Tab returns a view of area with its own identity. Writes through the
// view are announced to every other tab on the bus.
func (b *Bus) Tab(area Area) *Tab {
	return &Tab{Area: area, id: uuid.NewString(), bus: b}
}

func (b *Bus) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("encoding storage event", "key", ev.Key, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("key", ev.Key)
	msg.Metadata.Set("origin", ev.Origin)
	if err := b.pubsub.Publish(changeTopic, msg); err != nil {
		b.logger.Warn("publishing storage event", "key", ev.Key, "error", err)
	}
}

// Tab is an Area that reports its own writes to the Bus.
type Tab struct {
	Area
	id  string
	bus *Bus
}

// ID returns the tab identity carried as Event.Origin.
func (t *Tab) ID() string { return t.id }

func (t *Tab) SetItem(key, value string) error {
	old, _ := t.Area.GetItem(key)
	if err := t.Area.SetItem(key, value); err != nil {
		return err
	}
	t.bus.publish(Event{
		Key:      key,
		OldValue: old,
		NewValue: value,
		Origin:   t.id,
		At:       time.Now().UTC(),
	})
	return nil
}

func (t *Tab) RemoveItem(key string) {
	old, ok := t.Area.GetItem(key)
	t.Area.RemoveItem(key)
	if !ok {
		return
	}
	t.bus.publish(Event{
		Key:      key,
		OldValue: old,
		Removed:  true,
		Origin:   t.id,
		At:       time.Now().UTC(),
	})
}

// Subscribe calls fn for every change made by other tabs until ctx is
// cancelled or the bus is closed. fn runs on a dedicated goroutine.
func (t *Tab) Subscribe(ctx context.Context, fn func(Event)) error {
	msgs, err := t.bus.pubsub.Subscribe(ctx, changeTopic)
	if err != nil {
		return fmt.Errorf("subscribing to storage events: %w", err)
	}
	go func() {
		for msg := range msgs {
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				t.bus.logger.Warn("decoding storage event", "message_id", msg.UUID, "error", err)
				continue
			}
			if ev.Origin == t.id {
				continue
			}
			fn(ev)
		}
	}()
	return nil
}
