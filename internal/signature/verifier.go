package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Scheme selects which bytes a provider signs.
type Scheme int

const (
	// BodyOnly signs the raw request body.
	BodyOnly Scheme = iota
	// BodyAndTimestamp signs body + "&" + unix timestamp, as Nagad does.
	BodyAndTimestamp
)

// DefaultTolerance bounds clock skew for timestamped schemes.
const DefaultTolerance = 5 * time.Minute

type Secret struct {
	Key    []byte
	Scheme Scheme
}

// Result carries the exact bytes that were verified. Callers must parse
// RawBody and nothing else.
type Result struct {
	Valid   bool
	RawBody []byte
}

// Verifier checks HMAC-SHA256 webhook signatures. It never parses the body.
type Verifier struct {
	secrets   map[string]Secret
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secrets map[string]Secret, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	cp := make(map[string]Secret, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &Verifier{secrets: cp, tolerance: tolerance, now: time.Now}
}

// Verify fails closed: an unknown provider, empty secret, missing or malformed
// header, wrong length or stale timestamp all yield Valid=false.
func (v *Verifier) Verify(provider string, raw []byte, sigHeader, timestamp string) Result {
	res := Result{RawBody: raw}
	secret, ok := v.secrets[provider]
	if !ok || len(secret.Key) == 0 {
		return res
	}
	got, ok := decodeHeader(sigHeader)
	if !ok {
		return res
	}

	mac := hmac.New(sha256.New, secret.Key)
	mac.Write(raw)
	if secret.Scheme == BodyAndTimestamp {
		if !v.freshTimestamp(timestamp) {
			return res
		}
		mac.Write([]byte("&" + timestamp))
	}
	want := mac.Sum(nil)
	if len(got) != len(want) {
		return res
	}
	res.Valid = hmac.Equal(got, want)
	return res
}

// Sign computes the header value a provider would send. Used by the sandbox
// provider and tests.
func Sign(key, raw []byte, scheme Scheme, timestamp string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(raw)
	if scheme == BodyAndTimestamp {
		mac.Write([]byte("&" + timestamp))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeHeader(h string) ([]byte, bool) {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "sha256=") {
		h = h[7:]
	}
	if h == "" || len(h) != hex.EncodedLen(sha256.Size) {
		return nil, false
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (v *Verifier) freshTimestamp(ts string) bool {
	sec, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
	if err != nil || sec <= 0 {
		return false
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	return skew <= v.tolerance
}
