// Package crypto signs requests exchanged with the ledger collaborator.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Signature header names.
const (
	HeaderKey       = "LW-API-KEY"
	HeaderTimestamp = "LW-TIMESTAMP"
	HeaderSignature = "LW-SIGNATURE"
)

// HMACAuth holds the credentials for HMAC-authenticated ledger requests.
type HMACAuth struct {
	Key    string
	Secret string
}

// Headers returns the signature headers for a request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: Sign([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks a signature produced by HeadersAt. Timestamps older than
// maxSkew relative to now are refused.
func (h *HMACAuth) Verify(method, path, body, ts, sig string, now time.Time, maxSkew time.Duration) bool {
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if maxSkew > 0 && skew > maxSkew {
		return false
	}
	want := Sign([]byte(h.Secret), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Sign computes HMAC-SHA256 of message using key and returns the result as
// a base64 standard-encoded string.
func Sign(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
