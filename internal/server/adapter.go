package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/omochice/event-socket-chat/internal/chat"
	"github.com/omochice/event-socket-chat/internal/config"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Adapter fans frames out to the sessions of a room across every node
// serving the namespace.
type Adapter interface {
	// Broadcast delivers frame to room, or to every session when room is
	// empty, skipping the sessions listed in except.
	Broadcast(ctx context.Context, room string, frame []byte, except ...string) error
	Close() error
}

// LocalAdapter delivers to the sessions of this process only.
type LocalAdapter struct {
	hub *chat.Hub
}

// NewLocalAdapter creates an adapter over hub.
func NewLocalAdapter(hub *chat.Hub) *LocalAdapter {
	return &LocalAdapter{hub: hub}
}

// Broadcast implements Adapter.
func (a *LocalAdapter) Broadcast(_ context.Context, room string, frame []byte, except ...string) error {
	a.hub.Deliver(room, frame, except...)
	return nil
}

// Close implements Adapter.
func (a *LocalAdapter) Close() error {
	return nil
}

// envelope is what nodes exchange over the redis channel.
type envelope struct {
	Node   string   `json:"node"`
	Room   string   `json:"room"`
	Frame  string   `json:"frame"`
	Except []string `json:"except,omitempty"`
}

// RedisAdapter delivers locally and republishes every broadcast on a redis
// channel so that other nodes deliver to their own sessions.
type RedisAdapter struct {
	hub     *chat.Hub
	node    string
	channel string
	rdb     *redis.Client
	pubsub  *redis.PubSub
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewRedisAdapter connects to redis and subscribes to the broadcast channel.
func NewRedisAdapter(ctx context.Context, hub *chat.Hub, node string, cfg config.Redis, log *zap.Logger) (*RedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Addr)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "socket.io"
	}
	a := &RedisAdapter{
		hub:     hub,
		node:    node,
		channel: prefix + "#/#",
		rdb:     rdb,
		log:     log,
	}

	a.pubsub = rdb.Subscribe(ctx, a.channel)
	if _, err := a.pubsub.Receive(ctx); err != nil {
		a.pubsub.Close()
		rdb.Close()
		return nil, errors.Wrapf(err, "failed to subscribe to %s", a.channel)
	}

	a.wg.Add(1)
	go a.receive(a.pubsub.Channel())
	return a, nil
}

// Broadcast implements Adapter.
func (a *RedisAdapter) Broadcast(ctx context.Context, room string, frame []byte, except ...string) error {
	a.hub.Deliver(room, frame, except...)

	payload, err := json.Marshal(envelope{Node: a.node, Room: room, Frame: string(frame), Except: except})
	if err != nil {
		return errors.Wrap(err, "failed to encode broadcast")
	}
	if err := a.rdb.Publish(ctx, a.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "failed to publish broadcast")
	}
	return nil
}

func (a *RedisAdapter) receive(ch <-chan *redis.Message) {
	defer a.wg.Done()
	for msg := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			a.log.Warn("dropping malformed broadcast", zap.Error(err))
			continue
		}
		if env.Node == a.node {
			continue
		}
		a.hub.Deliver(env.Room, []byte(env.Frame), env.Except...)
	}
}

// Close implements Adapter.
func (a *RedisAdapter) Close() error {
	err := a.pubsub.Close()
	a.wg.Wait()
	if cerr := a.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
