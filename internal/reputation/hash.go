package reputation

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// PrefixLen is the length of the hash prefix sent to the backend, in hex
// characters (4 bytes). Queries leak only this much of the hashed host.
const PrefixLen = 8

// Hash returns the upper-hex SHA-256 of host + "/". It is both the long-term
// cache key and, truncated, the network query key.
func Hash(host string) string {
	sum := sha256.Sum256([]byte(host + "/"))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Prefix truncates a full hash to the query prefix.
func Prefix(hash string) string {
	if len(hash) < PrefixLen {
		return hash
	}
	return hash[:PrefixLen]
}

// ExtractHosts expands a host into the candidate hosts to look up, most
// specific first. IP literals are returned as-is; domain names produce every
// right-hand dot-suffix down to the 2-label root.
func ExtractHosts(host string) []string {
	if net.ParseIP(host) != nil {
		return []string{host}
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return []string{host}
	}
	out := make([]string, 0, len(parts)-1)
	for i := 0; i+2 <= len(parts); i++ {
		out = append(out, strings.Join(parts[i:], "."))
	}
	return out
}
