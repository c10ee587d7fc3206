// Package cache stores computed promo stats in Redis.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/xenking/trip-promo/internal/domain/money"
	"github.com/xenking/trip-promo/internal/domain/promo"
)

const keyPrefix = "promo:stats:top:"

var _ promo.StatsCache = (*StatsCache)(nil)

// StatsCache is a Redis-backed promo.StatsCache. Entries expire after ttl.
type StatsCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatsCache returns a cache storing entries for ttl.
func NewStatsCache(rdb *redis.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{rdb: rdb, ttl: ttl}
}

func key(topN int) string { return keyPrefix + strconv.Itoa(topN) }

// Get returns cached stats or (nil, nil) on a miss.
func (c *StatsCache) Get(ctx context.Context, topN int) (*promo.Stats, error) {
	data, err := c.rdb.Get(ctx, key(topN)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get %s", key(topN))
	}

	s, err := decodeStats(data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", key(topN))
	}
	return s, nil
}

// Set stores s under topN.
func (c *StatsCache) Set(ctx context.Context, topN int, s *promo.Stats) error {
	if err := c.rdb.Set(ctx, key(topN), encodeStats(s), c.ttl).Err(); err != nil {
		return errors.Wrapf(err, "set %s", key(topN))
	}
	return nil
}

func encodeStats(s *promo.Stats) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("total_codes")
	e.Int(s.TotalCodes)
	e.FieldStart("active_codes")
	e.Int(s.ActiveCodes)
	e.FieldStart("total_redemptions")
	e.Int(s.TotalRedemptions)
	e.FieldStart("total_discount")
	e.Int64(s.TotalDiscount.Minor())
	e.FieldStart("generated_at")
	e.Str(s.GeneratedAt.Format(time.RFC3339Nano))
	e.FieldStart("top")
	e.ArrStart()
	for _, cs := range s.Top {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(cs.PromoCodeID.String())
		e.FieldStart("code")
		e.Str(cs.Code)
		e.FieldStart("redemptions")
		e.Int(cs.Redemptions)
		e.FieldStart("total_discount")
		e.Int64(cs.TotalDiscount.Minor())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

func decodeStats(data []byte) (*promo.Stats, error) {
	s := &promo.Stats{Top: []promo.CodeStats{}}
	d := jx.DecodeBytes(data)
	err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "total_codes":
			s.TotalCodes, err = d.Int()
		case "active_codes":
			s.ActiveCodes, err = d.Int()
		case "total_redemptions":
			s.TotalRedemptions, err = d.Int()
		case "total_discount":
			var v int64
			v, err = d.Int64()
			s.TotalDiscount = money.FromMinor(v)
		case "generated_at":
			var v string
			if v, err = d.Str(); err == nil {
				s.GeneratedAt, err = time.Parse(time.RFC3339Nano, v)
			}
		case "top":
			err = d.Arr(func(d *jx.Decoder) error {
				cs, err := decodeCodeStats(d)
				if err != nil {
					return err
				}
				s.Top = append(s.Top, cs)
				return nil
			})
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, string(k))
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeCodeStats(d *jx.Decoder) (promo.CodeStats, error) {
	var cs promo.CodeStats
	err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		var err error
		switch string(k) {
		case "id":
			var v string
			if v, err = d.Str(); err == nil {
				cs.PromoCodeID, err = uuid.Parse(v)
			}
		case "code":
			cs.Code, err = d.Str()
		case "redemptions":
			cs.Redemptions, err = d.Int()
		case "total_discount":
			var v int64
			v, err = d.Int64()
			cs.TotalDiscount = money.FromMinor(v)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, string(k))
	})
	return cs, err
}
