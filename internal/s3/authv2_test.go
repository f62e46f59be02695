package s3

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func signRequestV2Test(r *http.Request, accessKey, secretKey string) {
	date := time.Now().UTC().Format(time.RFC1123)
	r.Header.Set("Date", date)
	signature := signV2(secretKey, stringToSignV2(r, date, ""))
	r.Header.Set("Authorization", signV2Prefix+accessKey+":"+signature)
}

func TestSigV2HeaderVerification(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("X-Amz-Meta-Tag", "v")
	signRequestV2Test(req, "test", "testsecret")

	if _, err := testAuth().Verify(req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSigV2SubresourceInCanonicalResource(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket?location", nil)
	signRequestV2Test(req, "test", "testsecret")

	if _, err := testAuth().Verify(req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSigV2IgnoresNonSubresourceQuery(t *testing.T) {
	// prefix is not a canonicalized subresource; both sides must skip it.
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket?prefix=logs/", nil)
	signRequestV2Test(req, "test", "testsecret")

	if _, err := testAuth().Verify(req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSigV2RejectsWrongSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	signRequestV2Test(req, "test", "wrongsecret")

	if _, err := testAuth().Verify(req); err != errSignatureMismatch {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
}

func TestSigV2RejectsStaleDate(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/bucket/key", nil)
	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC1123)
	req.Header.Set("Date", stale)
	signature := signV2("testsecret", stringToSignV2(req, stale, ""))
	req.Header.Set("Authorization", signV2Prefix+"test:"+signature)

	if _, err := testAuth().Verify(req); err != errTimeSkew {
		t.Fatalf("expected time skew, got %v", err)
	}
}

func presignV2Test(rawURL, accessKey, secretKey string, expires int64) string {
	u, _ := url.Parse(rawURL)
	q := u.Query()
	q.Set("AWSAccessKeyId", accessKey)
	q.Set("Expires", strconv.FormatInt(expires, 10))
	u.RawQuery = q.Encode()
	req := httptest.NewRequest(http.MethodGet, u.String(), nil)
	signature := signV2(secretKey, stringToSignV2(req, strconv.FormatInt(expires, 10), ""))
	q.Set("Signature", signature)
	u.RawQuery = q.Encode()
	return u.String()
}

func TestPresignedV2RoundTrip(t *testing.T) {
	expires := time.Now().UTC().Add(time.Minute).Unix()
	signed := presignV2Test("http://example.com/bucket/key", "test", "testsecret", expires)
	req := httptest.NewRequest(http.MethodGet, signed, nil)

	if _, err := testAuth().Verify(req); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestPresignedV2Expired(t *testing.T) {
	expires := time.Now().UTC().Add(-time.Minute).Unix()
	signed := presignV2Test("http://example.com/bucket/key", "test", "testsecret", expires)
	req := httptest.NewRequest(http.MethodGet, signed, nil)

	if _, err := testAuth().Verify(req); err != errAccessDenied {
		t.Fatalf("expected access denied, got %v", err)
	}
}
