package s3

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Presign builds a presigned V4 URL for method and rawURL, valid for the
// given duration (at most seven days).
func (c *AuthConfig) Presign(method, rawURL string, expires time.Duration) (string, error) {
	if c == nil || c.AccessKey == "" || c.SecretKey == "" {
		return "", errAccessDenied
	}
	if expires <= 0 || expires > 7*24*time.Hour {
		return "", errSignatureMismatch
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	amzDate := time.Now().UTC().Format(amzDateFormat)
	dateScope := amzDate[:8]
	scope := dateScope + "/" + c.Region + "/s3/aws4_request"

	query := u.Query()
	query.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	query.Set("X-Amz-Credential", c.AccessKey+"/"+scope)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", strconv.FormatInt(int64(expires/time.Second), 10))
	query.Set("X-Amz-SignedHeaders", "host")
	u.RawQuery = query.Encode()

	canonicalRequest := strings.Join([]string{
		method,
		u.EscapedPath(),
		canonicalQueryFromValues(u.Query()),
		"host:" + u.Host + "\n",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")
	hash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(hash[:]),
	}, "\n")
	signingKey := deriveSigningKey(c.SecretKey, dateScope, c.Region, "s3")
	signature := hmacSHA256Hex(signingKey, stringToSign)
	query = u.Query()
	query.Set("X-Amz-Signature", signature)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func canonicalQueryFromValues(values url.Values) string {
	copied := make(url.Values, len(values))
	for k, vs := range values {
		list := make([]string, len(vs))
		copy(list, vs)
		copied[k] = list
	}
	copied.Del("X-Amz-Signature")
	return encodeCanonicalQuery(copied)
}
