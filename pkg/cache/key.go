package cache

import (
	"net/url"
	"slices"
	"strings"
)

// keyPrefix namespaces cache entries in a shared Redis.
const keyPrefix = "tumblr"

// Key identifies a cached Tumblr response by path and query. Credentials
// (api_key) are never part of a key.
type Key struct {
	// Endpoint is the API path, e.g. /v2/blog/staff/info
	Endpoint string

	QueryParams url.Values
}

// KeyFromURL builds a Key from a request URL.
func KeyFromURL(u *url.URL) Key {
	return Key{Endpoint: u.Path, QueryParams: u.Query()}
}

// String renders the Redis key: the prefix, the trimmed path and each
// query parameter as name=value in name order, joined by colons, e.g.
//
//	tumblr:v2/blog/staff/info
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(keyPrefix)

	if path := strings.Trim(k.Endpoint, "/"); path != "" {
		b.WriteByte(':')
		b.WriteString(path)
	}

	names := make([]string, 0, len(k.QueryParams))
	for name := range k.QueryParams {
		if name != "api_key" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		b.WriteByte(':')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(k.QueryParams.Get(name))
	}
	return b.String()
}
