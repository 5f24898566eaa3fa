package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"progresskit/core"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"PROGRESSKIT_REDIS_ADDR"`
	Password     string        `json:"password" env:"PROGRESSKIT_REDIS_PASSWORD"`
	DB           int           `json:"db" env:"PROGRESSKIT_REDIS_DB"`
	PoolSize     int           `json:"pool_size" env:"PROGRESSKIT_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" env:"PROGRESSKIT_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"PROGRESSKIT_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"PROGRESSKIT_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"PROGRESSKIT_REDIS_WRITE_TIMEOUT"`
	// KeyPrefix namespaces every key the store writes.
	KeyPrefix string `json:"key_prefix" env:"PROGRESSKIT_REDIS_KEY_PREFIX"`
	// TxRetries bounds how often an upsert is retried after losing a WATCH race.
	TxRetries int `json:"tx_retries" env:"PROGRESSKIT_REDIS_TX_RETRIES"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "pk",
		TxRetries:    5,
	}
}

// Store implements engine.DocumentStore on Redis.
// Data structure:
// - {prefix}:doc:{collection}:{id} -> hash of JSON-encoded scalar fields, plus an _id marker
// - {prefix}:set:{collection}:{id}:{field} -> set holding one set field
// - {prefix}:sets:{collection}:{id} -> names of the document's set fields
// - {prefix}:ids:{collection} -> ids of every document in the collection
type Store struct {
	client    *redis.Client
	prefix    string
	txRetries int
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client, config), nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return newStore(client, DefaultConfig())
}

func newStore(client *redis.Client, config Config) *Store {
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "pk"
	}
	retries := config.TxRetries
	if retries <= 0 {
		retries = 5
	}
	return &Store{client: client, prefix: prefix, txRetries: retries}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

const idField = "_id"

func (s *Store) docKey(collection, id string) string {
	return fmt.Sprintf("%s:doc:%s:%s", s.prefix, collection, id)
}

func (s *Store) setKey(collection, id, field string) string {
	return fmt.Sprintf("%s:set:%s:%s:%s", s.prefix, collection, id, field)
}

func (s *Store) setIndexKey(collection, id string) string {
	return fmt.Sprintf("%s:sets:%s:%s", s.prefix, collection, id)
}

func (s *Store) idsKey(collection string) string {
	return fmt.Sprintf("%s:ids:%s", s.prefix, collection)
}

func notFound(collection, id string) error {
	return fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
}

// Lua script for atomic increment; a missing document yields nil.
// HINCRBY itself rejects non-integer fields and overflow.
var incrementScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return false
	end
	return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

// Lua script for set union; returns 1 when the member was added, nil when
// the document is missing.
var unionScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return false
	end
	redis.call('SADD', KEYS[3], ARGV[1])
	return redis.call('SADD', KEYS[2], ARGV[2])
`)

func (s *Store) AtomicIncrement(ctx context.Context, collection, id, field string, amount int64) (int64, error) {
	total, err := incrementScript.Run(ctx, s.client, []string{s.docKey(collection, id)}, field, amount).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, notFound(collection, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return total, nil
}

func (s *Store) UnionAppend(ctx context.Context, collection, id, field, value string) (bool, error) {
	keys := []string{s.docKey(collection, id), s.setKey(collection, id, field), s.setIndexKey(collection, id)}
	added, err := unionScript.Run(ctx, s.client, keys, field, value).Int64()
	if errors.Is(err, redis.Nil) {
		return false, notFound(collection, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to append to %s: %w", field, err)
	}
	return added == 1, nil
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (core.Document, error) {
	var (
		hash    *redis.MapStringStringCmd
		setList *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		hash = p.HGetAll(ctx, s.docKey(collection, id))
		setList = p.SMembers(ctx, s.setIndexKey(collection, id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	fields := hash.Val()
	if len(fields) == 0 {
		return nil, notFound(collection, id)
	}

	doc := make(core.Document, len(fields))
	for k, raw := range fields {
		if k == idField {
			continue
		}
		doc[k] = decodeScalar(raw)
	}

	setFields := setList.Val()
	if len(setFields) == 0 {
		return doc, nil
	}
	members := make(map[string]*redis.StringSliceCmd, len(setFields))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, f := range setFields {
			members[f] = p.SMembers(ctx, s.setKey(collection, id, f))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read set fields: %w", err)
	}
	for f, cmd := range members {
		vals := cmd.Val()
		sort.Strings(vals)
		doc[f] = vals
	}
	return doc, nil
}

// UpsertDocument writes doc inside a WATCH transaction and retries a bounded
// number of times when another writer touches the document first.
func (s *Store) UpsertDocument(ctx context.Context, collection, id string, doc core.Document, strategy core.MergeStrategy) error {
	scalars := make(map[string]string, len(doc))
	sets := make(map[string][]string)
	for k, v := range doc {
		if k == idField {
			return fmt.Errorf("field %s is reserved", idField)
		}
		if members, ok := asSet(v); ok {
			sets[k] = members
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", k, err)
		}
		scalars[k] = string(enc)
	}

	docKey, indexKey := s.docKey(collection, id), s.setIndexKey(collection, id)
	txf := func(tx *redis.Tx) error {
		existing, err := tx.HKeys(ctx, docKey).Result()
		if err != nil {
			return err
		}
		existingSets, err := tx.SMembers(ctx, indexKey).Result()
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(existing)+len(existingSets))
		for _, k := range existing {
			present[k] = true
		}
		for _, k := range existingSets {
			present[k] = true
		}
		skip := func(k string) bool { return strategy == core.MergeKeepExisting && present[k] }

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if strategy == core.Replace {
				p.Del(ctx, docKey, indexKey)
				for _, f := range existingSets {
					p.Del(ctx, s.setKey(collection, id, f))
				}
			}
			p.HSet(ctx, docKey, idField, id)
			p.SAdd(ctx, s.idsKey(collection), id)
			for k, v := range scalars {
				if skip(k) {
					continue
				}
				p.HSet(ctx, docKey, k, v)
				if strategy != core.Replace {
					p.SRem(ctx, indexKey, k)
					p.Del(ctx, s.setKey(collection, id, k))
				}
			}
			for k, members := range sets {
				if skip(k) {
					continue
				}
				setKey := s.setKey(collection, id, k)
				if strategy != core.Replace {
					p.HDel(ctx, docKey, k)
					p.Del(ctx, setKey)
				}
				p.SAdd(ctx, indexKey, k)
				if len(members) > 0 {
					args := make([]any, len(members))
					for i, m := range members {
						args[i] = m
					}
					p.SAdd(ctx, setKey, args...)
				}
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < s.txRetries; attempt++ {
		err = s.client.Watch(ctx, txf, docKey, indexKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return core.Conflict("UpsertDocument", err)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// ListDocuments returns every document in collection keyed by id.
func (s *Store) ListDocuments(ctx context.Context, collection string) (map[string]core.Document, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	out := make(map[string]core.Document, len(ids))
	for _, id := range ids {
		doc, err := s.GetDocument(ctx, collection, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = doc
	}
	return out, nil
}

func asSet(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// decodeScalar reverses the JSON encoding of a hash field. Values written by
// HINCRBY or by other tools may be bare text, which is kept as is.
func decodeScalar(raw string) any {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	if n, ok := v.(json.Number); ok && !strings.ContainsAny(string(n), ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	return v
}
