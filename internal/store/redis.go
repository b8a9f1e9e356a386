package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/memberauth/internal/member"
)

const (
	redisSeqKey = "rt:seq"
	redisExpKey = "rt:exp"
)

func redisTokenKey(token string) string { return "rt:token:" + token }
func redisIDKey(id int64) string       { return "rt:id:" + strconv.FormatInt(id, 10) }
func redisMemberKey(id int64) string   { return "rt:member:" + strconv.FormatInt(id, 10) }

// RedisStore keeps refresh tokens in Redis. Each record is a hash keyed by the
// token, with secondary keys for the id, the member and a sorted set of expiry
// times used by the sweeper.
type RedisStore struct {
	rdb     *redis.Client
	members member.Directory
}

func NewRedisStore(rdb *redis.Client, members member.Directory) *RedisStore {
	return &RedisStore{rdb: rdb, members: members}
}

// NewRedisStoreFromURL parses a redis:// URL and pings the server.
func NewRedisStoreFromURL(ctx context.Context, url string, members member.Directory) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, members), nil
}

func (s *RedisStore) Save(ctx context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	const op = "store.redis.Save"

	rt, err := s.insert(ctx, memberID, token, expiresAt, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rt, nil
}

func (s *RedisStore) Replace(ctx context.Context, memberID int64, token string, expiresAt time.Time) (*RefreshToken, error) {
	const op = "store.redis.Replace"

	rt, err := s.insert(ctx, memberID, token, expiresAt, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return rt, nil
}

func (s *RedisStore) insert(ctx context.Context, memberID int64, token string, expiresAt time.Time, replace bool) (*RefreshToken, error) {
	id, err := s.rdb.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rt := &RefreshToken{
		ID:        id,
		MemberID:  memberID,
		Token:     token,
		ExpiresAt: fromMillis(toMillis(expiresAt)),
		CreatedAt: fromMillis(toMillis(now)),
	}

	memberKey := redisMemberKey(memberID)
	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, redisTokenKey(token)).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyExists
		}
		var old []*RefreshToken
		if replace {
			tokens, err := tx.SMembers(ctx, memberKey).Result()
			if err != nil {
				return err
			}
			for _, t := range tokens {
				rec, err := s.load(ctx, tx, t)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				old = append(old, rec)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, rec := range old {
				removeRecord(ctx, pipe, rec)
			}
			pipe.HSet(ctx, redisTokenKey(token), map[string]any{
				"id":         rt.ID,
				"member_id":  rt.MemberID,
				"expires_at": toMillis(rt.ExpiresAt),
				"created_at": toMillis(rt.CreatedAt),
			})
			pipe.Set(ctx, redisIDKey(rt.ID), token, 0)
			pipe.SAdd(ctx, memberKey, token)
			pipe.ZAdd(ctx, redisExpKey, redis.Z{Score: float64(toMillis(rt.ExpiresAt)), Member: token})
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err = s.rdb.Watch(ctx, txf, memberKey, redisTokenKey(token))
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func removeRecord(ctx context.Context, pipe redis.Pipeliner, rt *RefreshToken) {
	pipe.Del(ctx, redisTokenKey(rt.Token), redisIDKey(rt.ID))
	pipe.SRem(ctx, redisMemberKey(rt.MemberID), rt.Token)
	pipe.ZRem(ctx, redisExpKey, rt.Token)
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) load(ctx context.Context, c hashGetter, token string) (*RefreshToken, error) {
	fields, err := c.HGetAll(ctx, redisTokenKey(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rt := &RefreshToken{Token: token}
	var expires, created int64
	for name, dst := range map[string]*int64{
		"id":         &rt.ID,
		"member_id":  &rt.MemberID,
		"expires_at": &expires,
		"created_at": &created,
	} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt record field %s: %w", name, err)
		}
		*dst = v
	}
	rt.ExpiresAt = fromMillis(expires)
	rt.CreatedAt = fromMillis(created)
	return rt, nil
}

func (s *RedisStore) FindByToken(ctx context.Context, token string) (*RefreshToken, error) {
	rt, err := s.load(ctx, s.rdb, token)
	if err != nil {
		return nil, fmt.Errorf("store.redis.FindByToken: %w", err)
	}
	return rt, nil
}

func (s *RedisStore) FindByMemberEmail(ctx context.Context, email string) (*RefreshToken, error) {
	const op = "store.redis.FindByMemberEmail"

	m, err := s.members.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, member.ErrMemberNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tokens, err := s.rdb.SMembers(ctx, redisMemberKey(m.ID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var latest *RefreshToken
	for _, t := range tokens {
		rt, err := s.load(ctx, s.rdb, t)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if latest == nil || rt.ID > latest.ID {
			latest = rt
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return latest, nil
}

func (s *RedisStore) DeleteByID(ctx context.Context, id int64) error {
	const op = "store.redis.DeleteByID"

	token, err := s.rdb.Get(ctx, redisIDKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.deleteToken(ctx, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *RedisStore) DeleteByToken(ctx context.Context, token string) error {
	if err := s.deleteToken(ctx, token); err != nil {
		return fmt.Errorf("store.redis.DeleteByToken: %w", err)
	}
	return nil
}

func (s *RedisStore) deleteToken(ctx context.Context, token string) error {
	rt, err := s.load(ctx, s.rdb, token)
	if errors.Is(err, ErrNotFound) {
		// index may still hold a stale entry
		return s.rdb.ZRem(ctx, redisExpKey, token).Err()
	}
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removeRecord(ctx, pipe, rt)
		return nil
	})
	return err
}

func expiredRange(now time.Time) *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(toMillis(now), 10)}
}

func (s *RedisStore) DeleteAllExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	const op = "store.redis.DeleteAllExpiredBefore"

	tokens, err := s.rdb.ZRangeByScore(ctx, redisExpKey, expiredRange(now)).Result()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	var n int64
	for _, t := range tokens {
		rt, err := s.load(ctx, s.rdb, t)
		if errors.Is(err, ErrNotFound) {
			_ = s.rdb.ZRem(ctx, redisExpKey, t).Err()
			continue
		}
		if err != nil {
			return n, fmt.Errorf("%s: %w", op, err)
		}
		if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removeRecord(ctx, pipe, rt)
			return nil
		}); err != nil {
			return n, fmt.Errorf("%s: %w", op, err)
		}
		n++
	}
	return n, nil
}

func (s *RedisStore) CountExpiredBefore(ctx context.Context, now time.Time) (int64, error) {
	r := expiredRange(now)
	n, err := s.rdb.ZCount(ctx, redisExpKey, r.Min, r.Max).Result()
	if err != nil {
		return 0, fmt.Errorf("store.redis.CountExpiredBefore: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore) Close() error { return s.rdb.Close() }
