package s3

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const signV2Prefix = "AWS "

// Subresources included in the V2 canonicalized resource, in the documented
// canonical order.
var signV2Subresources = []string{
	"acl",
	"delete",
	"location",
	"logging",
	"notification",
	"partNumber",
	"policy",
	"requestPayment",
	"torrent",
	"uploadId",
	"uploads",
	"versionId",
	"versioning",
	"versions",
	"website",
}

// verifyV2 checks an AWS Signature V2 Authorization header:
// "AWS <access-key>:<base64 hmac-sha1>".
func (c *AuthConfig) verifyV2(r *http.Request) error {
	auth := strings.TrimPrefix(r.Header.Get("Authorization"), signV2Prefix)
	parts := strings.SplitN(auth, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errSignatureMismatch
	}
	if parts[0] != c.AccessKey {
		return errAccessDenied
	}

	dateValue := r.Header.Get("x-amz-date")
	if dateValue == "" {
		dateValue = r.Header.Get("Date")
	}
	reqTime, err := parseV2Time(dateValue)
	if err != nil {
		return errSignatureMismatch
	}
	if delta := time.Since(reqTime); delta > c.maxSkew() || delta < -c.maxSkew() {
		return errTimeSkew
	}

	stringToSign := stringToSignV2(r, dateValue, c.hostBucketV2(r))
	expected := signV2(c.SecretKey, stringToSign)
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return errSignatureMismatch
	}
	return nil
}

// verifyPresignedV2 checks query-parameter credentials:
// ?AWSAccessKeyId=...&Expires=<epoch>&Signature=<base64>.
func (c *AuthConfig) verifyPresignedV2(r *http.Request) error {
	query := r.URL.Query()
	accessKey := query.Get("AWSAccessKeyId")
	expires := query.Get("Expires")
	signature := query.Get("Signature")
	if accessKey == "" || expires == "" || signature == "" {
		return errMissingCredentials
	}
	if accessKey != c.AccessKey {
		return errAccessDenied
	}
	epoch, err := parseInt(expires)
	if err != nil {
		return errSignatureMismatch
	}
	if time.Now().UTC().Unix() > epoch {
		return errAccessDenied
	}

	stringToSign := stringToSignV2(r, expires, c.hostBucketV2(r))
	expected := signV2(c.SecretKey, stringToSign)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return errSignatureMismatch
	}
	return nil
}

func signV2(secret, stringToSign string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// stringToSignV2 builds: verb, Content-MD5, Content-Type, date (or Expires
// for presigned), the sorted x-amz-* headers, and the canonicalized
// resource.
func stringToSignV2(r *http.Request, dateValue, hostBucket string) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('\n')
	b.WriteString(r.Header.Get("Content-Md5"))
	b.WriteByte('\n')
	b.WriteString(r.Header.Get("Content-Type"))
	b.WriteByte('\n')
	b.WriteString(dateValue)
	b.WriteByte('\n')
	writeCanonicalizedAmzHeaders(&b, r)
	writeCanonicalizedResourceV2(&b, r, hostBucket)
	return b.String()
}

// writeCanonicalizedAmzHeaders writes x-amz-* headers sorted by lowercased
// name, multi-values comma-joined.
func writeCanonicalizedAmzHeaders(b *strings.Builder, r *http.Request) {
	var names []string
	values := make(map[string][]string)
	for name, vv := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-") {
			names = append(names, lower)
			values[lower] = vv
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(values[name], ","))
		b.WriteByte('\n')
	}
}

// writeCanonicalizedResourceV2 writes the path (with the bucket restored for
// virtual-host requests) plus the whitelisted subresources.
func writeCanonicalizedResourceV2(b *strings.Builder, r *http.Request, hostBucket string) {
	if hostBucket != "" {
		b.WriteString("/" + hostBucket)
	}
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if r.URL.RawQuery == "" {
		return
	}
	vals, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return
	}
	n := 0
	for _, resource := range signV2Subresources {
		vv, ok := vals[resource]
		if !ok || len(vv) == 0 {
			continue
		}
		n++
		if n == 1 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(resource)
		if len(vv[0]) > 0 {
			b.WriteByte('=')
			b.WriteString(vv[0])
		}
	}
}

// hostBucketV2 restores the bucket segment for virtual-host-style requests
// so the canonicalized resource includes it.
func (c *AuthConfig) hostBucketV2(r *http.Request) string {
	if c == nil || !c.VirtualHosted {
		return ""
	}
	return hostBucketName(r)
}

func parseV2Time(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errSignatureMismatch
	}
	// Presigned V2 carries an epoch-seconds Expires value instead.
	if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, amzDateFormat} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errSignatureMismatch
}
