package kv

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	apperrors "github.com/Adithya-Monish-Kumar-K/plistore/pkg/errors"
	pkgredis "github.com/Adithya-Monish-Kumar-K/plistore/pkg/redis"
)

// Redis is a collection stored as one Redis hash, keyed <prefix>:<name>, whose
// fields are the raw record keys.
type Redis struct {
	guard
	client *pkgredis.Client
	hash   string
}

// NewRedis creates a closed collection in the hash <prefix>:<name>.
func NewRedis(client *pkgredis.Client, prefix, name string) *Redis {
	return &Redis{
		guard:  guard{name: name},
		client: client,
		hash:   prefix + ":" + name,
	}
}

func (r *Redis) Open(ctx context.Context, mode Mode) error {
	if err := r.client.Ping(ctx); err != nil {
		return apperrors.IOFailure("opening "+r.hash, err)
	}
	r.open = true
	r.mode = mode
	return nil
}

func (r *Redis) Close() error {
	r.open = false
	return nil
}

func (r *Redis) Drop(ctx context.Context) error {
	if err := r.writable(); err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.hash); err != nil {
		return apperrors.IOFailure("dropping "+r.hash, err)
	}
	return nil
}

func (r *Redis) Count(ctx context.Context) (uint64, error) {
	if err := r.readable(); err != nil {
		return 0, err
	}
	n, err := r.client.HLen(ctx, r.hash)
	if err != nil {
		return 0, apperrors.IOFailure("counting "+r.hash, err)
	}
	return uint64(n), nil
}

func (r *Redis) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := r.readable(); err != nil {
		return nil, err
	}
	v, err := r.client.HGet(ctx, r.hash, string(key))
	if pkgredis.IsNilError(err) {
		return nil, notFound(r.name, key)
	}
	if err != nil {
		return nil, apperrors.IOFailure(fmt.Sprintf("reading %s key %x", r.hash, key), err)
	}
	return v, nil
}

func (r *Redis) Put(ctx context.Context, key, value []byte) error {
	if err := r.writable(); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.hash, string(key), value); err != nil {
		return apperrors.IOFailure(fmt.Sprintf("writing %s key %x", r.hash, key), err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key []byte) error {
	if err := r.writable(); err != nil {
		return err
	}
	if err := r.client.HDel(ctx, r.hash, string(key)); err != nil {
		return apperrors.IOFailure(fmt.Sprintf("removing %s key %x", r.hash, key), err)
	}
	return nil
}

// Keys sorts the hash's fields client side; HSCAN returns them unordered.
func (r *Redis) Keys(ctx context.Context, fn func(key []byte) error) error {
	if err := r.readable(); err != nil {
		return err
	}
	var keys [][]byte
	err := r.client.HScan(ctx, r.hash, func(field string, _ []byte) error {
		keys = append(keys, []byte(field))
		return nil
	})
	if err != nil {
		return apperrors.IOFailure("listing keys of "+r.hash, err)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}
