package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/emperorhan/blood-ledger/internal/store"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "bloodledger:session:"

// Flags keeps disconnect flags in Redis so several CLI hosts sharing a
// profile agree on it.
type Flags struct {
	client *redis.Client
}

var _ store.FlagRepository = (*Flags)(nil)

func NewFlags(url string) (*Flags, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Flags{client: client}, nil
}

func (f *Flags) Close() error {
	return f.client.Close()
}

func (f *Flags) LoadDisconnected(ctx context.Context, profile string) (bool, error) {
	_, err := f.client.Get(ctx, flagKey(profile)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		store.RecordFlagOp("redis", "load", nil)
		return false, nil
	case err != nil:
		store.RecordFlagOp("redis", "load", err)
		return false, fmt.Errorf("get disconnect flag %s: %w", profile, err)
	}
	store.RecordFlagOp("redis", "load", nil)
	return true, nil
}

func (f *Flags) StoreDisconnected(ctx context.Context, profile string, disconnected bool) error {
	var err error
	if disconnected {
		err = f.client.Set(ctx, flagKey(profile), "1", 0).Err()
	} else {
		err = f.client.Del(ctx, flagKey(profile)).Err()
	}
	store.RecordFlagOp("redis", "store", err)
	if err != nil {
		return fmt.Errorf("store disconnect flag %s: %w", profile, err)
	}
	return nil
}

func flagKey(profile string) string {
	return keyPrefix + profile + ":disconnected"
}
