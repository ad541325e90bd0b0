// Package noncecache persists TURN long-term-credential nonce/realm pairs
// keyed by server identity, so a client does not have to round-trip a 401
// challenge every time it restarts against a server it has already talked
// to (spec §4.4's nonce/realm handling, generalized with a TTL). Backed by
// github.com/syndtr/goleveldb, the embedded key-value store the rest of
// this corpus's persistence layers are built on.
package noncecache

import (
	"encoding/json"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
)

// Entry is one cached nonce/realm pair.
type Entry struct {
	Realm     string    `json:"realm"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Cache wraps a goleveldb database keyed by server identity (host:port or
// any caller-chosen string).
type Cache struct {
	db  *leveldb.DB
	ttl time.Duration
}

// Open opens (creating if necessary) a LevelDB database at path. ttl is
// the expiry applied to every entry stored with Put.
func Open(path string, ttl time.Duration) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores realm/nonce for serverKey, expiring after the cache's default
// TTL from now.
func (c *Cache) Put(serverKey, realm, nonce string) error {
	e := Entry{Realm: realm, Nonce: nonce, ExpiresAt: time.Now().Add(c.ttl)}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Put([]byte(serverKey), b, nil)
}

// Get returns the cached entry for serverKey, if present and unexpired.
func (c *Cache) Get(serverKey string) (Entry, bool) {
	b, err := c.db.Get([]byte(serverKey), nil)
	if err != nil {
		if err == errors.ErrNotFound {
			return Entry{}, false
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false
	}
	if e.expired(time.Now()) {
		_ = c.db.Delete([]byte(serverKey), nil)
		return Entry{}, false
	}
	return e, true
}

// Delete removes any cached entry for serverKey.
func (c *Cache) Delete(serverKey string) error {
	return c.db.Delete([]byte(serverKey), nil)
}
