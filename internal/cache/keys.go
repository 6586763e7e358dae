// Package cache implements the multi-tier caching layer: deterministic key
// naming, a bounded in-process LRU, a redis-backed remote tier, the
// read-through/write-through composition over both, and the warming
// controller that keeps hot namespaces populated.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Namespace prefixes. Logical namespaces map to colon-delimited key prefixes
// so pattern invalidation can target a whole namespace ("stock:daily:*").
var namespacePrefixes = map[string]string{
	"stock_info":     "stock:info",
	"stock_daily":    "stock:daily",
	"stock_realtime": "stock:realtime",
	"filter_result":  "filter:result",
	"user_session":   "user:session",
	"api_cache":      "api:cache",
}

// KeyManager builds cache key names from (namespace, identifier, params).
// Identical inputs always produce identical output; params are folded in
// sorted order so map iteration never leaks into key names.
type KeyManager struct{}

// NewKeyManager creates a key manager.
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// Prefix returns the key prefix for a logical namespace. Unknown namespaces
// pass through unchanged so callers can use ad-hoc prefixes.
func (m *KeyManager) Prefix(namespace string) string {
	if p, ok := namespacePrefixes[namespace]; ok {
		return p
	}
	return namespace
}

// Key builds a deterministic cache key: prefix:id[:k=v…].
func (m *KeyManager) Key(namespace, id string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(m.Prefix(namespace))
	b.WriteByte(':')
	b.WriteString(sanitize(id))

	for _, k := range sortedKeys(params) {
		b.WriteByte(':')
		b.WriteString(sanitize(k))
		b.WriteByte('=')
		b.WriteString(sanitize(params[k]))
	}
	return b.String()
}

// KeyWithHash builds a key with params folded into a short stable digest.
// Used when param cardinality is unbounded (arbitrary query filters).
func (m *KeyManager) KeyWithHash(namespace, id string, params map[string]string) string {
	h := sha256.New()
	for _, k := range sortedKeys(params) {
		fmt.Fprintf(h, "%s=%s;", k, params[k])
	}
	digest := hex.EncodeToString(h.Sum(nil))[:12]
	return fmt.Sprintf("%s:%s:%s", m.Prefix(namespace), sanitize(id), digest)
}

// sanitize replaces characters that are unsafe or ambiguous in redis key
// names and glob patterns.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '?', '[', ']', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func sortedKeys(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
