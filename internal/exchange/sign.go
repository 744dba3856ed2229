package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"delta-relay/internal/config"
)

// AuthHMAC signs every request; AuthKeyOnly sends just the api key.
const (
	AuthHMAC    = "hmac"
	AuthKeyOnly = "keyonly"
)

// Signer produces the authentication headers for exchange requests.
//
// In hmac mode the canonical string is
//
//	METHOD + timestamp + path + query + body
//
// where timestamp is whole seconds since epoch and query keeps its leading
// "?" when present. The signature is the lowercase hex HMAC-SHA256 of that
// string under the api secret. Header names are configurable because some
// gateway deployments rename them.
type Signer struct {
	apiKey    string
	apiSecret string
	mode      string

	headerAPIKey    string
	headerSignature string
	headerTimestamp string

	// now is swappable in tests to pin the timestamp.
	now func() time.Time
}

// NewSigner creates a Signer from the exchange config.
func NewSigner(cfg config.ExchangeConfig) *Signer {
	return &Signer{
		apiKey:          cfg.APIKey,
		apiSecret:       cfg.APISecret,
		mode:            cfg.AuthMode,
		headerAPIKey:    cfg.HeaderAPIKey,
		headerSignature: cfg.HeaderSignature,
		headerTimestamp: cfg.HeaderTimestamp,
		now:             time.Now,
	}
}

// Headers returns the auth headers for one request attempt. The timestamp is
// freshly computed on every call because the signature binds it; retries must
// call Headers again rather than reuse a stale set.
func (s *Signer) Headers(method, path, query, body string) map[string]string {
	if s.mode == AuthKeyOnly {
		return map[string]string{s.headerAPIKey: s.apiKey}
	}

	ts := strconv.FormatInt(s.now().Unix(), 10)
	return map[string]string{
		s.headerAPIKey:    s.apiKey,
		s.headerSignature: s.sign(canonical(method, ts, path, query, body)),
		s.headerTimestamp: ts,
	}
}

// canonical assembles the string the exchange expects to be signed.
// query must be the encoded query string without "?"; it is prefixed here.
func canonical(method, timestamp, path, query, body string) string {
	msg := method + timestamp + path
	if query != "" {
		msg += "?" + query
	}
	return msg + body
}

func (s *Signer) sign(msg string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
