package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestEntry_Freshness(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name        string
		expires     time.Time
		wantExpired bool
		wantTTL     bool
	}{
		{name: "an hour left", expires: now.Add(time.Hour), wantTTL: true},
		{name: "a second ago", expires: now.Add(-time.Second), wantExpired: true},
		{name: "a day ago", expires: now.Add(-24 * time.Hour), wantExpired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Expires: tt.expires}
			if got := e.IsExpired(); got != tt.wantExpired {
				t.Errorf("IsExpired() = %v, want %v", got, tt.wantExpired)
			}
			if got := e.TTL() > 0; got != tt.wantTTL {
				t.Errorf("TTL() = %v, want positive=%v", e.TTL(), tt.wantTTL)
			}
		})
	}
}

func TestNewEntry(t *testing.T) {
	e := NewEntry([]byte("body"), 10*time.Minute)

	if ttl := e.TTL(); ttl <= 9*time.Minute || ttl > 10*time.Minute {
		t.Errorf("TTL() = %v, want about 10m", ttl)
	}
	if age := e.Age(); age < 0 || age > time.Second {
		t.Errorf("Age() = %v, want about 0", age)
	}
	if string(e.Data) != "body" {
		t.Errorf("Data = %q", e.Data)
	}
}

func TestEntryCodec(t *testing.T) {
	in := NewEntry([]byte(`{"response":{"blog":{"name":"staff"}}}`), time.Minute)

	raw, err := encodeEntry(in)
	if err != nil {
		t.Fatalf("encodeEntry() error = %v", err)
	}
	out, err := decodeEntry(raw)
	if err != nil {
		t.Fatalf("decodeEntry() error = %v", err)
	}
	if string(out.Data) != string(in.Data) || !out.Expires.Equal(in.Expires) {
		t.Errorf("decoded %+v, want %+v", out, in)
	}
}

func TestDecodeEntry_Invalid(t *testing.T) {
	noExpiry, _ := msgpack.Marshal(map[string]any{"data": []byte("x")})

	for name, raw := range map[string][]byte{
		"not msgpack": []byte("not msgpack at all"),
		"no expiry":   noExpiry,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeEntry(raw); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("decodeEntry() error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}
