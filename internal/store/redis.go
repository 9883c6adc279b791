package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// pingInterval is how often the connectivity probe runs. Connectivity
// transitions drive the dispatcher's online/offline switch, so the probe
// is deliberately much faster than the load-report TTL.
const pingInterval = 2 * time.Second

// RedisConfig configures a Redis-backed store. The struct is fully
// resolved by the caller; nothing in here reads the environment.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Logger   zerolog.Logger
}

// Redis implements Store on a Redis server.
//
// One client carries commands and publishes; every Subscribe opens its own
// connection underneath (a subscribed Redis connection cannot carry other
// commands). A background ping loop tracks connectivity and fans state
// transitions out to observers.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	mu        sync.Mutex
	observers []StateFunc
	online    bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedis connects to Redis and starts the connectivity probe. The initial
// state is offline until the first successful ping.
func NewRedis(cfg RedisConfig) *Redis {
	r := &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		logger: cfg.Logger.With().Str("component", "redis_store").Logger(),
		stop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.probe()
	return r
}

// probe pings on a fixed interval and reports state transitions.
func (r *Redis) probe() {
	defer r.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	check := func() {
		ctx, cancel := context.WithTimeout(context.Background(), pingInterval)
		err := r.client.Ping(ctx).Err()
		cancel()
		r.setOnline(err == nil)
	}

	check()
	for {
		select {
		case <-ticker.C:
			check()
		case <-r.stop:
			return
		}
	}
}

func (r *Redis) setOnline(online bool) {
	r.mu.Lock()
	if r.online == online {
		r.mu.Unlock()
		return
	}
	r.online = online
	observers := append([]StateFunc(nil), r.observers...)
	r.mu.Unlock()

	if online {
		r.logger.Info().Msg("Datastore connection established")
	} else {
		r.logger.Warn().Msg("Datastore connection lost")
	}
	for _, fn := range observers {
		fn(online)
	}
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, pattern).Result()
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int, error) {
	n, err := r.client.Publish(ctx, channel, payload).Result()
	return int(n), err
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channels...)
	// Force the subscribe round-trip so a dead server surfaces here
	// instead of as a silent never-delivering subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	sub := &redisSub{pubsub: pubsub, ch: make(chan Message, subscriberBuffer)}
	sub.wg.Add(1)
	go sub.pump()
	return sub, nil
}

func (r *Redis) Notify(fn StateFunc) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	online := r.online
	r.mu.Unlock()
	if online {
		fn(true)
	}
}

func (r *Redis) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	return r.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Message
	wg     sync.WaitGroup
	once   sync.Once
}

// pump copies deliveries from the dedicated connection into the
// subscription channel. go-redis closes its channel when the PubSub is
// closed, which ends the loop.
func (s *redisSub) pump() {
	defer s.wg.Done()
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		// Drain so pump can finish even if nobody reads Messages anymore.
		go func() {
			for range s.ch {
			}
		}()
		s.wg.Wait()
	})
	return err
}
