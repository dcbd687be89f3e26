package redis

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 90 * time.Second

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("ZREM", KEYS[2], ARGV[2])
  return 1
end
return 0`)

	touchScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  redis.call("ZADD", KEYS[2], ARGV[4], ARGV[2])
  return 1
end
return 0`)
)

type PresenceConfig struct {
	Client goredis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// Presence is the registry shared by every server process. An entry
// lives for TTL unless refreshed by Touch, so a process that died
// without cleaning up cannot keep users online forever.
//
//	{prefix}:presence:conn:{userID} -> connID (expires)
//	{prefix}:presence:online        -> zset userID scored by expiry (ms)
type Presence struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewPresence(cfg PresenceConfig) *Presence {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &Presence{
		client: cfg.Client,
		prefix: cfg.Prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (p *Presence) connKey(userID int64) string {
	return p.prefix + ":presence:conn:" + strconv.FormatInt(userID, 10)
}

func (p *Presence) onlineKey() string {
	return p.prefix + ":presence:online"
}

func (p *Presence) expiry() float64 {
	return float64(p.now().Add(p.ttl).UnixMilli())
}

func (p *Presence) SetOnline(ctx context.Context, userID int64, connID string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, p.connKey(userID), connID, p.ttl)
		pipe.ZAdd(ctx, p.onlineKey(), goredis.Z{Score: p.expiry(), Member: userID})
		return nil
	})
	return err
}

func (p *Presence) SetOffline(ctx context.Context, userID int64) error {
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, p.connKey(userID))
		pipe.ZRem(ctx, p.onlineKey(), userID)
		return nil
	})
	return err
}

func (p *Presence) Release(ctx context.Context, userID int64, connID string) (bool, error) {
	n, err := releaseScript.Run(ctx, p.client,
		[]string{p.connKey(userID), p.onlineKey()},
		connID, userID,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Presence) Touch(ctx context.Context, userID int64, connID string) error {
	return touchScript.Run(ctx, p.client,
		[]string{p.connKey(userID), p.onlineKey()},
		connID, userID, p.ttl.Milliseconds(), p.expiry(),
	).Err()
}

func (p *Presence) IsOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := p.client.Exists(ctx, p.connKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Presence) Owner(ctx context.Context, userID int64) (string, bool, error) {
	connID, err := p.client.Get(ctx, p.connKey(userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return connID, true, nil
}

func (p *Presence) ListOnline(ctx context.Context) ([]int64, error) {
	var members *goredis.StringSliceCmd
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, p.onlineKey(), "-inf", strconv.FormatInt(p.now().UnixMilli(), 10))
		members = pipe.ZRange(ctx, p.onlineKey(), 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}

	users := make([]int64, 0, len(members.Val()))
	for _, m := range members.Val() {
		userID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		users = append(users, userID)
	}
	slices.Sort(users)
	return users, nil
}
