package cache

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Entry is one cached response body.
type Entry struct {
	Data     []byte    `msgpack:"data"`
	StoredAt time.Time `msgpack:"stored_at"`
	Expires  time.Time `msgpack:"expires"`
}

// NewEntry wraps data so it stays fresh for ttl from now.
func NewEntry(data []byte, ttl time.Duration) *Entry {
	now := time.Now()
	return &Entry{Data: data, StoredAt: now, Expires: now.Add(ttl)}
}

// IsExpired reports whether the entry is past its expiry.
func (e *Entry) IsExpired() bool {
	return !time.Now().Before(e.Expires)
}

// TTL is the remaining freshness, never negative.
func (e *Entry) TTL() time.Duration {
	return max(time.Until(e.Expires), 0)
}

// Age is the time since the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

func encodeEntry(e *Entry) ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if e.Expires.IsZero() {
		return nil, fmt.Errorf("%w: no expiry", ErrInvalidEntry)
	}
	return &e, nil
}
