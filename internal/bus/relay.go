package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/andriwidian/go-live-auction/internal/auction"
)

const (
	channelPrefix  = "auction.events."
	channelPattern = channelPrefix + "*"
)

// ChannelFor is the redis pub/sub channel carrying one auction's events.
func ChannelFor(auctionID string) string { return channelPrefix + auctionID }

// RedisRelay menjembatani event bus antar instance lewat redis pub/sub.
// Publish lokal di-mirror ke redis (Broadcast); Run membaca channel dan
// menyuntikkan event dari instance lain ke fan-out lokal.
type RedisRelay struct {
	rdb *redis.Client
	bus *Bus
	log *zap.Logger
}

var _ Broadcaster = (*RedisRelay)(nil)

func NewRedisRelay(rdb *redis.Client, log *zap.Logger) *RedisRelay {
	return &RedisRelay{rdb: rdb, log: log}
}

// Attach wires the relay to the local bus it feeds.
func (r *RedisRelay) Attach(b *Bus) { r.bus = b }

func (r *RedisRelay) Broadcast(ctx context.Context, env auction.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, ChannelFor(env.AuctionID), b).Err()
}

// Run blocks reading remote events until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, channelPattern)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env auction.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("relay: bad envelope", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			// skip echo dari instance sendiri
			if r.bus == nil || env.Origin == r.bus.Origin() {
				continue
			}
			r.bus.Deliver(env)
		}
	}
}
