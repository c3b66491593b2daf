// Package rediskv stores a catalog in a Redis database.
// All keys of one catalog share a namespace prefix, so several catalogs may share a server.
package rediskv

import (
	"context"
	"strings"

	"github.com/go-redis/redis"
)

type Store struct {
	db        *redis.Client
	namespace string
}

// Open connects to the server named by a redis:// URL and verifies the connection.
// Keys are prefixed with namespace (which may be empty).
func Open(url string, namespace string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	db := redis.NewClient(opts)
	if err := db.Ping().Err(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, namespace: namespace}, nil
}

func (s *Store) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.db.Get(s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return s.db.Set(s.key(key), value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.db.Del(s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	found, err := s.db.Keys(escapeGlob(s.key(prefix)) + "*").Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(found))
	for _, k := range found {
		if s.namespace != "" {
			k = strings.TrimPrefix(k, s.namespace+":")
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// escapeGlob quotes the characters KEYS would treat as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Close() error {
	return s.db.Close()
}
