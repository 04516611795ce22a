// Package opsserver implements spec.md §10's ambient health/metrics/admin
// HTTP surface, adapted from the donor's internal/api (gorilla/mux request
// routing) and internal/metrics (health/readiness handlers).
package opsserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// adminAuth gates mutating admin endpoints (snapshot restore, account
// rebuild trigger) behind an HMAC-SHA256 bearer token, the same primitive
// the donor's SigV4 auth used (hmac.New(sha256.New, ...)) simplified down to
// a single shared secret rather than a full request-canonicalization scheme,
// since there is no multi-tenant credential scope to authenticate here.
type adminAuth struct {
	secret []byte
}

func newAdminAuth(token string) *adminAuth {
	return &adminAuth{secret: []byte(token)}
}

// sign returns the hex-encoded HMAC-SHA256 of path under the shared secret.
func (a *adminAuth) sign(path string) string {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(path))
	return hex.EncodeToString(h.Sum(nil))
}

// wrap rejects requests whose "X-Admin-Signature" header does not match the
// HMAC of the request path, in constant time.
func (a *adminAuth) wrap(next http.Handler) http.Handler {
	if len(a.secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := a.sign(r.URL.Path)
		got := r.Header.Get("X-Admin-Signature")
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			http.Error(w, "invalid admin signature", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
