package s3

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// AuthConfig holds the process-global credential, immutable after startup.
type AuthConfig struct {
	AccessKey string
	SecretKey string
	Region    string
	MaxSkew   time.Duration
	// VirtualHosted restores the bucket from the Host header when building
	// the V2 canonicalized resource.
	VirtualHosted bool
	// NoAuth treats every request as authenticated.
	NoAuth bool
}

var (
	errSignatureMismatch  = errors.New("signature mismatch")
	errAccessDenied       = errors.New("access denied")
	errTimeSkew           = errors.New("request time too skewed")
	errMissingCredentials = errors.New("missing security header")
)

const amzDateFormat = "20060102T150405Z"

// Verify authenticates the request with SigV4 or SigV2, headers or presigned
// query parameters. On a SigV4 success it returns a request whose context
// carries the signing state that chunked uploads need.
func (c *AuthConfig) Verify(r *http.Request) (*http.Request, error) {
	if c == nil || c.NoAuth {
		return r, nil
	}
	query := r.URL.Query()
	if query.Get("X-Amz-Algorithm") != "" {
		return r, c.verifyPresignedV4(r)
	}
	if query.Get("AWSAccessKeyId") != "" || query.Get("Signature") != "" {
		return r, c.verifyPresignedV2(r)
	}
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return r, errMissingCredentials
	}
	if strings.HasPrefix(auth, signV2Prefix) {
		return r, c.verifyV2(r)
	}
	if strings.HasPrefix(auth, "AWS4-HMAC-SHA256 ") {
		return c.verifyV4(r)
	}
	return r, errSignatureMismatch
}

func (c *AuthConfig) verifyV4(r *http.Request) (*http.Request, error) {
	if r.Header.Get("X-Amz-Date") == "" {
		if date := r.Header.Get("Date"); date != "" {
			if t, err := time.Parse(time.RFC1123, date); err == nil {
				r.Header.Set("X-Amz-Date", t.UTC().Format(amzDateFormat))
			}
		}
	}
	auth := r.Header.Get("Authorization")
	params := parseAuthParams(strings.TrimPrefix(auth, "AWS4-HMAC-SHA256 "))
	credential := params["Credential"]
	signedHeaders := params["SignedHeaders"]
	signature := params["Signature"]
	if credential == "" || signedHeaders == "" || signature == "" {
		return r, errSignatureMismatch
	}

	credParts := strings.Split(credential, "/")
	if len(credParts) != 5 {
		return r, errSignatureMismatch
	}
	accessKey := credParts[0]
	dateScope := credParts[1]
	region := credParts[2]
	if credParts[3] != "s3" || credParts[4] != "aws4_request" {
		return r, errSignatureMismatch
	}
	if c.Region != "" && region != c.Region {
		return r, errSignatureMismatch
	}
	if accessKey != c.AccessKey {
		return r, errAccessDenied
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return r, errSignatureMismatch
	}
	reqTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return r, errSignatureMismatch
	}
	if delta := time.Since(reqTime); delta > c.maxSkew() || delta < -c.maxSkew() {
		return r, errTimeSkew
	}
	if !strings.HasPrefix(amzDate, dateScope) {
		return r, errSignatureMismatch
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = "UNSIGNED-PAYLOAD"
	}

	canonicalHeaders, signedHeadersLower, err := buildCanonicalHeaders(r, signedHeaders)
	if err != nil {
		return r, errSignatureMismatch
	}
	canonicalRequest := strings.Join([]string{
		r.Method,
		canonicalURI(r),
		canonicalQuery(r, false),
		canonicalHeaders,
		strings.Join(signedHeadersLower, ";"),
		payloadHash,
	}, "\n")

	hashed := sha256.Sum256([]byte(canonicalRequest))
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateScope, region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashed[:]),
	}, "\n")

	signingKey := deriveSigningKey(c.SecretKey, dateScope, region, "s3")
	expected := hmacSHA256Hex(signingKey, stringToSign)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(strings.ToLower(expected))) {
		return r, errSignatureMismatch
	}

	// Chunked uploads chain each frame off the request signature.
	sig := &sigv4Context{
		signingKey:    signingKey,
		seedSignature: strings.ToLower(expected),
		amzDate:       amzDate,
		scope:         scope,
	}
	return r.WithContext(context.WithValue(r.Context(), sigv4ContextKey{}, sig)), nil
}

func (c *AuthConfig) verifyPresignedV4(r *http.Request) error {
	query := r.URL.Query()
	alg := query.Get("X-Amz-Algorithm")
	cred := query.Get("X-Amz-Credential")
	amzDate := query.Get("X-Amz-Date")
	signedHeaders := query.Get("X-Amz-SignedHeaders")
	signature := query.Get("X-Amz-Signature")
	expires := query.Get("X-Amz-Expires")
	if alg == "" || cred == "" || amzDate == "" || signedHeaders == "" || signature == "" || expires == "" {
		return errSignatureMismatch
	}
	if alg != "AWS4-HMAC-SHA256" {
		return errSignatureMismatch
	}

	credParts := strings.Split(cred, "/")
	if len(credParts) != 5 {
		return errSignatureMismatch
	}
	accessKey := credParts[0]
	dateScope := credParts[1]
	region := credParts[2]
	if credParts[3] != "s3" || credParts[4] != "aws4_request" {
		return errSignatureMismatch
	}
	if c.Region != "" && region != c.Region {
		return errSignatureMismatch
	}
	if accessKey != c.AccessKey {
		return errAccessDenied
	}

	reqTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return errSignatureMismatch
	}
	expSeconds, err := parseInt(expires)
	if err != nil || expSeconds < 1 || expSeconds > 604800 {
		return errSignatureMismatch
	}
	delta := time.Since(reqTime)
	if delta > time.Duration(expSeconds)*time.Second {
		return errAccessDenied
	}
	if delta < -c.maxSkew() {
		return errTimeSkew
	}
	if !strings.HasPrefix(amzDate, dateScope) {
		return errSignatureMismatch
	}

	canonicalHeaders, signedHeadersLower, err := buildCanonicalHeaders(r, signedHeaders)
	if err != nil {
		return errSignatureMismatch
	}
	canonicalRequest := strings.Join([]string{
		r.Method,
		canonicalURI(r),
		canonicalQuery(r, true),
		canonicalHeaders,
		strings.Join(signedHeadersLower, ";"),
		"UNSIGNED-PAYLOAD",
	}, "\n")

	hashed := sha256.Sum256([]byte(canonicalRequest))
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateScope, region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hashed[:]),
	}, "\n")

	signingKey := deriveSigningKey(c.SecretKey, dateScope, region, "s3")
	expected := hmacSHA256Hex(signingKey, stringToSign)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(strings.ToLower(expected))) {
		return errSignatureMismatch
	}
	return nil
}

func (c *AuthConfig) maxSkew() time.Duration {
	if c.MaxSkew == 0 {
		return 15 * time.Minute
	}
	return c.MaxSkew
}

func parseAuthParams(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], " ")
	}
	return out
}

func canonicalURI(r *http.Request) string {
	uri := r.URL.EscapedPath()
	if uri == "" {
		return "/"
	}
	return uri
}

// canonicalQuery sorts parameters by name then value. Presigned requests
// exclude X-Amz-Signature from the canonical form.
func canonicalQuery(r *http.Request, presigned bool) string {
	values := r.URL.Query()
	if presigned {
		values.Del("X-Amz-Signature")
	} else if r.URL.RawQuery == "" {
		return ""
	}
	return encodeCanonicalQuery(values)
}

func encodeCanonicalQuery(values url.Values) string {
	type pair struct {
		k string
		v string
	}
	var pairs []pair
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, pair{encodeRfc3986(k), encodeRfc3986(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k == pairs[j].k {
			return pairs[i].v < pairs[j].v
		}
		return pairs[i].k < pairs[j].k
	})
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String()
}

func buildCanonicalHeaders(r *http.Request, signedHeaders string) (string, []string, error) {
	parts := strings.Split(signedHeaders, ";")
	headers := make([]string, 0, len(parts))
	for _, h := range parts {
		h = strings.TrimSpace(strings.ToLower(h))
		if h == "" {
			continue
		}
		headers = append(headers, h)
	}
	sort.Strings(headers)
	var b strings.Builder
	for _, h := range headers {
		var value string
		switch h {
		case "host":
			value = r.Host
		case "content-length":
			value = intToString(r.ContentLength)
		default:
			value = r.Header.Get(h)
		}
		if value == "" {
			return "", nil, fmt.Errorf("missing signed header %s", h)
		}
		b.WriteString(h)
		b.WriteByte(':')
		b.WriteString(normalizeSpaces(value))
		b.WriteByte('\n')
	}
	return b.String(), headers, nil
}

func normalizeSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func encodeRfc3986(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteString(fmt.Sprintf("%%%02X", c))
	}
	return b.String()
}

func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(hmacSHA256(key, data))
}
