// Package redis is a storage.Registry shared between gateway and decoder instances.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/akhenakh/ttnrelay/storage"
)

const (
	fieldDevID     = "devid"
	fieldDecoder   = "decoder"
	fieldCreatedAt = "created_at"
	fieldLastSeen  = "last_seen"
)

type Options struct {
	Addr, Password, Namespace string
	DB                        int
	Timeout                   time.Duration
}

type Registry struct {
	rdb            *redis.Client
	ns             string
	DefaultDecoder string

	now func() time.Time
}

func NewClient(o Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
}

func NewRegistry(rdb *redis.Client, namespace, defaultDecoder string) *Registry {
	if namespace == "" {
		namespace = "ttnrelay"
	}
	return &Registry{
		rdb:            rdb,
		ns:             namespace,
		DefaultDecoder: defaultDecoder,
		now:            time.Now,
	}
}

func (r *Registry) key(devID string) string {
	return fmt.Sprintf("%s:datalogger:%s", r.ns, devID)
}

// Lookup get or create devID, never touches last_seen
func (r *Registry) Lookup(ctx context.Context, devID string) (*storage.DataLogger, bool, error) {
	k := r.key(devID)
	vals, err := r.rdb.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, false, fmt.Errorf("can't read datalogger %s: %w", devID, err)
	}
	if len(vals) > 0 {
		dl, err := parse(devID, vals)
		return dl, true, err
	}

	var created *redis.BoolCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = r.create(ctx, pipe, k, devID)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("can't create datalogger %s: %w", devID, err)
	}

	vals, err = r.rdb.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, false, fmt.Errorf("can't read datalogger %s: %w", devID, err)
	}
	dl, err := parse(devID, vals)
	return dl, !created.Val(), err
}

// TouchActivity sets last_seen to now, the datalogger is created if missing
func (r *Registry) TouchActivity(ctx context.Context, devID string) error {
	k := r.key(devID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.create(ctx, pipe, k, devID)
		pipe.HSet(ctx, k, fieldLastSeen, r.now().UTC().Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("can't touch datalogger %s: %w", devID, err)
	}
	return nil
}

// Get returns the datalogger for devID or storage.ErrNotFound
func (r *Registry) Get(ctx context.Context, devID string) (*storage.DataLogger, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key(devID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, storage.ErrNotFound
	}
	return parse(devID, vals)
}

// SetDecoder assigns decoder to devID, the datalogger is created if missing
func (r *Registry) SetDecoder(ctx context.Context, devID, decoder string) error {
	k := r.key(devID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.create(ctx, pipe, k, devID)
		pipe.HSet(ctx, k, fieldDecoder, decoder)
		return nil
	})
	if err != nil {
		return fmt.Errorf("can't set decoder of datalogger %s: %w", devID, err)
	}
	return nil
}

// Keys list all registered device ids, in no particular order
func (r *Registry) Keys(ctx context.Context) ([]string, error) {
	prefix := r.key("")
	var res []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		res = append(res, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("can't list dataloggers: %w", err)
	}
	return res, nil
}

func (r *Registry) create(ctx context.Context, pipe redis.Pipeliner, k, devID string) *redis.BoolCmd {
	created := pipe.HSetNX(ctx, k, fieldDecoder, r.DefaultDecoder)
	pipe.HSetNX(ctx, k, fieldDevID, devID)
	pipe.HSetNX(ctx, k, fieldCreatedAt, r.now().UTC().Format(time.RFC3339Nano))
	return created
}

func parse(devID string, vals map[string]string) (*storage.DataLogger, error) {
	dl := &storage.DataLogger{
		DevID:   devID,
		Decoder: vals[fieldDecoder],
	}
	if v, ok := vals[fieldCreatedAt]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for datalogger %s: %w", fieldCreatedAt, devID, err)
		}
		dl.CreatedAt = t
	}
	if v, ok := vals[fieldLastSeen]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for datalogger %s: %w", fieldLastSeen, devID, err)
		}
		dl.LastSeen = t
	}
	return dl, nil
}
