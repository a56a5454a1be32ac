package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/crypto/bcrypt"

	"github.com/xelth-com/meshsync/internal/logging"
)

// KeySet is the allow-set of bearer tokens. Entries that look like bcrypt
// hashes are compared with bcrypt, everything else as a plain secret.
type KeySet struct {
	plain  [][]byte
	hashed [][]byte
}

// NewKeySet builds a KeySet, skipping blank entries.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		switch {
		case k == "":
		case isBcrypt(k):
			ks.hashed = append(ks.hashed, []byte(k))
		default:
			ks.plain = append(ks.plain, []byte(k))
		}
	}
	return ks
}

func isBcrypt(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

// Len returns the number of configured keys.
func (ks *KeySet) Len() int {
	return len(ks.plain) + len(ks.hashed)
}

// Valid reports whether token is in the set.
func (ks *KeySet) Valid(token string) bool {
	if token == "" {
		return false
	}
	t := []byte(token)
	for _, k := range ks.plain {
		if subtle.ConstantTimeCompare(k, t) == 1 {
			return true
		}
	}
	for _, h := range ks.hashed {
		if bcrypt.CompareHashAndPassword(h, t) == nil {
			return true
		}
	}
	return false
}

// APIKeyAuth rejects requests whose bearer token is missing or unknown.
func APIKeyAuth(keys *KeySet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				unauthorized(w, "Missing authorization header")
				return
			}

			if !keys.Valid(strings.TrimPrefix(authHeader, "Bearer ")) {
				logging.Warn().
					Str("remote_addr", r.RemoteAddr).
					Str("path", r.URL.Path).
					Msg("invalid API key attempt")
				unauthorized(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
