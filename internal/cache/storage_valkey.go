package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyConfig addresses a valkey/redis server used as the durable tier.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
}

// ValkeyStorage stores durable entries in valkey or redis.
type ValkeyStorage struct {
	client valkey.Client
}

// NewValkeyStorage connects and pings the server.
func NewValkeyStorage(cfg ValkeyConfig) (*ValkeyStorage, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: valkey address required")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: valkey ping: %w", err)
	}

	return &ValkeyStorage{client: client}, nil
}

func (s *ValkeyStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	raw, err := resp.AsBytes()
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *ValkeyStorage) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Do(ctx, s.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()).Error()
}

func (s *ValkeyStorage) Delete(ctx context.Context, key string) error {
	return s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error()
}

// Keys walks the keyspace with SCAN so large databases are not blocked.
func (s *ValkeyStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(prefix+"*").Count(200).Build()).AsScanEntry()
		if err != nil {
			return nil, err
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close releases the connection.
func (s *ValkeyStorage) Close() {
	s.client.Close()
}
