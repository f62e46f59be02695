package s3

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func signRequestTest(r *http.Request, accessKey, secretKey, region string) {
	amzDate := time.Now().UTC().Format(amzDateFormat)
	r.Header.Set("X-Amz-Date", amzDate)
	r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	r.Host = r.URL.Host
	signRequestTestAt(r, accessKey, secretKey, region, amzDate)
}

func signRequestTestAt(r *http.Request, accessKey, secretKey, region, amzDate string) {
	dateScope := amzDate[:8]
	scope := dateScope + "/" + region + "/s3/aws4_request"

	canonicalHeaders, signedHeaders := canonicalHeadersForTest(r, []string{"host", "x-amz-content-sha256", "x-amz-date"})
	canonicalRequest := strings.Join([]string{
		r.Method,
		canonicalURI(r),
		canonicalQuery(r, false),
		canonicalHeaders,
		strings.Join(signedHeaders, ";"),
		r.Header.Get("X-Amz-Content-Sha256"),
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(secretKey, dateScope, region, "s3")
	signature := hmacSHA256Hex(signingKey, stringToSign)
	auth := "AWS4-HMAC-SHA256 " +
		"Credential=" + accessKey + "/" + scope + "," +
		"SignedHeaders=" + strings.Join(signedHeaders, ";") + "," +
		"Signature=" + signature
	r.Header.Set("Authorization", auth)
}

func canonicalHeadersForTest(r *http.Request, headers []string) (string, []string) {
	var b strings.Builder
	for _, h := range headers {
		value := r.Header.Get(h)
		if h == "host" {
			value = r.Host
		}
		b.WriteString(h)
		b.WriteByte(':')
		b.WriteString(normalizeSpaces(value))
		b.WriteByte('\n')
	}
	return b.String(), headers
}

func testAuth() *AuthConfig {
	return &AuthConfig{AccessKey: "test", SecretKey: "testsecret", Region: "us-east-1"}
}

func TestSigV4HeaderVerification(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	signRequestTest(req, "test", "testsecret", "us-east-1")

	if _, err := testAuth().Verify(req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSigV4RejectsWrongSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	signRequestTest(req, "test", "wrongsecret", "us-east-1")

	if _, err := testAuth().Verify(req); err != errSignatureMismatch {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestSigV4RejectsUnknownAccessKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	signRequestTest(req, "stranger", "testsecret", "us-east-1")

	if _, err := testAuth().Verify(req); err != errAccessDenied {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestSigV4RejectsSkewedDate(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	stale := time.Now().UTC().Add(-time.Hour).Format(amzDateFormat)
	req.Header.Set("X-Amz-Date", stale)
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	req.Host = req.URL.Host
	signRequestTestAt(req, "test", "testsecret", "us-east-1", stale)

	if _, err := testAuth().Verify(req); err != errTimeSkew {
		t.Fatalf("expected time skew, got %v", err)
	}
}

func TestSigV4DefaultSkewIsFifteenMinutes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	old := time.Now().UTC().Add(-10 * time.Minute).Format(amzDateFormat)
	req.Header.Set("X-Amz-Date", old)
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	req.Host = req.URL.Host
	signRequestTestAt(req, "test", "testsecret", "us-east-1", old)

	// Ten minutes is inside the default window.
	if _, err := testAuth().Verify(req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSigV4SeedsChunkedContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "http://example.com/bucket/key", strings.NewReader("x"))
	req.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	signRequestTestAt(req, "test", "testsecret", "us-east-1", prepareDate(req))

	verified, err := testAuth().Verify(req)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	sig, ok := sigv4ContextFromRequest(verified)
	if !ok {
		t.Fatalf("expected sigv4 context on verified request")
	}
	if sig.seedSignature == "" || len(sig.signingKey) == 0 || sig.scope == "" {
		t.Fatalf("incomplete sigv4 context: %+v", sig)
	}
}

func prepareDate(r *http.Request) string {
	amzDate := time.Now().UTC().Format(amzDateFormat)
	r.Header.Set("X-Amz-Date", amzDate)
	r.Host = r.URL.Host
	return amzDate
}

func TestPresignedV4RoundTrip(t *testing.T) {
	auth := testAuth()
	signed, err := auth.Presign(http.MethodGet, "http://example.com/bucket/key", time.Minute)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, u.String(), nil)
	req.Host = u.Host
	if _, err := auth.Verify(req); err != nil {
		t.Fatalf("Verify presigned: %v", err)
	}
}

func TestPresignedV4TamperedSignatureFails(t *testing.T) {
	auth := testAuth()
	signed, err := auth.Presign(http.MethodGet, "http://example.com/bucket/key", time.Minute)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	u, _ := url.Parse(signed)
	q := u.Query()
	q.Set("X-Amz-Signature", strings.Repeat("0", 64))
	u.RawQuery = q.Encode()
	req := httptest.NewRequest(http.MethodGet, u.String(), nil)
	req.Host = u.Host
	if _, err := auth.Verify(req); err != errSignatureMismatch {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestPresignedV4ExpiredIsAccessDenied(t *testing.T) {
	auth := testAuth()
	signed, err := auth.Presign(http.MethodGet, "http://example.com/bucket/key", time.Second)
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	u, _ := url.Parse(signed)
	q := u.Query()
	// Re-sign with a date far in the past so the expiry window has lapsed.
	past := time.Now().UTC().Add(-time.Hour).Format(amzDateFormat)
	q.Set("X-Amz-Date", past)
	q.Set("X-Amz-Credential", auth.AccessKey+"/"+past[:8]+"/us-east-1/s3/aws4_request")
	u.RawQuery = q.Encode()
	req := httptest.NewRequest(http.MethodGet, u.String(), nil)
	req.Host = u.Host
	if _, err := auth.Verify(req); err != errAccessDenied {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestNoAuthAcceptsAnything(t *testing.T) {
	auth := &AuthConfig{NoAuth: true}
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	if _, err := auth.Verify(req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
