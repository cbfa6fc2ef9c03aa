package docservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	notifierEventSource = "relaydoc/docservice"
	notifierDefaultChan = "relaydoc:events"
)

// RedisNotifier publishes CloudEvents-wrapped events on a redis channel.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewRedisNotifier(rdb *redis.Client, channel string, logger zerolog.Logger) *RedisNotifier {
	if strings.TrimSpace(channel) == "" {
		channel = notifierDefaultChan
	}
	return &RedisNotifier{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

func NewRedisNotifierFromURL(raw string, logger zerolog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return NewRedisNotifier(redis.NewClient(opts), "", logger), nil
}

func eventTypeName(t PublishType) string {
	switch t {
	case PublishReceiveTask:
		return "relaydoc.receiveTask"
	case PublishUpdateVersion:
		return "relaydoc.updateVersion"
	default:
		return fmt.Sprintf("relaydoc.type%d", int(t))
	}
}

func encodeCloudEvent(ev Event) ([]byte, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(notifierEventSource)
	ce.SetType(eventTypeName(ev.Type))
	ce.SetSubject(ev.DocID)
	if err := ce.SetData(cloudevents.ApplicationJSON, ev); err != nil {
		return nil, err
	}
	return json.Marshal(ce)
}

func decodeCloudEvent(payload []byte) (Event, error) {
	var ce cloudevents.Event
	if err := json.Unmarshal(payload, &ce); err != nil {
		return Event{}, err
	}
	var ev Event
	if err := ce.DataAs(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) error {
	payload, err := encodeCloudEvent(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, payload).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := n.rdb.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Event, notifierBufferSize)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeCloudEvent([]byte(msg.Payload))
				if err != nil {
					n.logger.Warn().Err(err).Msg("drop malformed event")
					continue
				}
				select {
				case out <- ev:
				default:
					n.logger.Warn().Str("docId", ev.DocID).Msg("subscriber lagging, event dropped")
				}
			}
		}
	}()
	return out, nil
}

func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
