package feed

import (
	"context"
	"strings"

	rediscommon "github.com/lyzr/branchsync/common/redis"
)

const (
	channelPrefix  = "sync:events:"
	channelPattern = channelPrefix + "*"
)

// ChannelFor returns the pub/sub channel carrying publisherID's events
func ChannelFor(publisherID string) string {
	return channelPrefix + publisherID
}

// publisherFromChannel extracts the publisher from a channel name
// Example: "sync:events:branch-a" → "branch-a"
func publisherFromChannel(channel string) string {
	if !strings.HasPrefix(channel, channelPrefix) {
		return ""
	}
	return strings.TrimPrefix(channel, channelPrefix)
}

// RedisSubscriber forwards events published by any sync-service replica to
// the local hub
type RedisSubscriber struct {
	redis  *rediscommon.Client
	hub    *Hub
	logger Logger
}

// NewRedisSubscriber creates a new RedisSubscriber instance
func NewRedisSubscriber(client *rediscommon.Client, hub *Hub, logger Logger) *RedisSubscriber {
	return &RedisSubscriber{
		redis:  client,
		hub:    hub,
		logger: logger,
	}
}

// Start listens until ctx is cancelled
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pubsub, err := s.redis.PSubscribe(ctx, channelPattern)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("feed redis subscriber stopping")
			return nil

		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			publisher := publisherFromChannel(msg.Channel)
			if publisher == "" {
				s.logger.Warn("invalid feed channel", "channel", msg.Channel)
				continue
			}

			s.logger.Debug("feed event received", "publisher_id", publisher, "size", len(msg.Payload))
			s.hub.Broadcast(&Message{
				PublisherID: publisher,
				Data:        []byte(msg.Payload),
			})
		}
	}
}
