package svcauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxSkew bounds how old an HMAC timestamp may be when verified.
const DefaultMaxSkew = 5 * time.Minute

const hmacAlgorithm = "hmac-sha256"

// HMAC signs method, request URI, timestamp and every call metadata header
// with a shared secret. The body is never read so streaming and upgrades
// are unaffected.
type HMAC struct {
	secret  []byte
	keyID   string
	maxSkew time.Duration
	now     func() time.Time
}

// NewHMAC creates an HMAC method from a base64-encoded secret of at least
// 32 decoded bytes.
func NewHMAC(secretB64, keyID string) (*HMAC, error) {
	secret, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return nil, fmt.Errorf("svcauth: invalid base64 secret: %w", err)
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("svcauth: secret must be at least 32 bytes (got %d)", len(secret))
	}
	return &HMAC{secret: secret, keyID: keyID, maxSkew: DefaultMaxSkew, now: time.Now}, nil
}

func (h *HMAC) Name() string { return "hmac" }

// Sign adds signature, timestamp and key id headers.
func (h *HMAC) Sign(r *http.Request) error {
	for name := range r.Header {
		if strings.HasPrefix(name, svcAuthPrefix) {
			r.Header.Del(name)
		}
	}
	ts := strconv.FormatInt(h.now().Unix(), 10)
	r.Header.Set(HeaderSignature, hmacAlgorithm+"="+h.compute(r, ts))
	r.Header.Set(HeaderTimestamp, ts)
	if h.keyID != "" {
		r.Header.Set(HeaderKeyID, h.keyID)
	}
	return nil
}

// Verify checks the signature and timestamp on an inbound request.
func (h *HMAC) Verify(r *http.Request) error {
	sig := r.Header.Get(HeaderSignature)
	ts := r.Header.Get(HeaderTimestamp)
	if sig == "" || ts == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if h.keyID != "" && r.Header.Get(HeaderKeyID) != h.keyID {
		return fmt.Errorf("%w: unknown key id", ErrInvalidSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if skew := h.now().Sub(time.Unix(unix, 0)); skew > h.maxSkew || skew < -h.maxSkew {
		return fmt.Errorf("%w: timestamp outside allowed skew", ErrInvalidSignature)
	}

	want := hmacAlgorithm + "=" + h.compute(r, ts)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}

func (h *HMAC) compute(r *http.Request, ts string) string {
	var names []string
	for name := range r.Header {
		canon := http.CanonicalHeaderKey(name)
		if strings.HasPrefix(canon, metaPrefix) && !strings.HasPrefix(canon, svcAuthPrefix) {
			names = append(names, canon)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(r.Method)
	sb.WriteByte('\n')
	sb.WriteString(r.URL.RequestURI())
	sb.WriteByte('\n')
	sb.WriteString(ts)
	for _, name := range names {
		sb.WriteByte('\n')
		sb.WriteString(strings.ToLower(name))
		sb.WriteByte(':')
		sb.WriteString(strings.Join(r.Header.Values(name), ","))
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
