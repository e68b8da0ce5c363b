package authmw

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"net/http"
)

// InteractionSignature returns middleware that verifies the Ed25519
// signature Discord attaches to interaction webhooks. publicKeyHex is the
// application's public key. The request body is restored for the handler.
func InteractionSignature(publicKeyHex string) func(http.Handler) http.Handler {
	key, err := hex.DecodeString(publicKeyHex)
	valid := err == nil && len(key) == ed25519.PublicKeySize

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !valid {
				http.Error(w, `{"error":"interaction verification not configured"}`, http.StatusUnauthorized)
				return
			}

			sig, err := hex.DecodeString(r.Header.Get("X-Signature-Ed25519"))
			if err != nil || len(sig) != ed25519.SignatureSize {
				http.Error(w, `{"error":"missing or malformed signature"}`, http.StatusUnauthorized)
				return
			}
			ts := r.Header.Get("X-Signature-Timestamp")

			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				http.Error(w, `{"error":"unreadable body"}`, http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !ed25519.Verify(ed25519.PublicKey(key), append([]byte(ts), body...), sig) {
				http.Error(w, `{"error":"invalid signature"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
