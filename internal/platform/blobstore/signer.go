package blobstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const signedPathPrefix = "/blobs/"

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrSignatureExpired = errors.New("signature expired")
)

// URLSigner issues and verifies expiring download links. The signature covers
// the key and the expiry so neither can be altered.
type URLSigner struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

// NewURLSigner returns a signer that builds links under baseURL.
func NewURLSigner(secret []byte, baseURL string) *URLSigner {
	return &URLSigner{
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// WithClock replaces the signer's time source.
func (s *URLSigner) WithClock(now func() time.Time) *URLSigner {
	s.now = now
	return s
}

func (s *URLSigner) mac(key string, expires int64) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(key))
	m.Write([]byte{'\n'})
	m.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(m.Sum(nil))
}

// Sign returns a URL for key valid for ttl.
func (s *URLSigner) Sign(key string, ttl time.Duration) string {
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.mac(key, expires))

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.baseURL + signedPathPrefix + strings.Join(segments, "/") + "?" + q.Encode()
}

// Verify checks a signature produced by Sign.
func (s *URLSigner) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(s.mac(key, exp)), []byte(sig)) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrSignatureExpired
	}
	return nil
}
