package s3

import (
	"errors"
	"net"
	"strings"
)

var errInvalidBucketName = errors.New("invalid bucket name")

// maxKeyLength bounds object keys after percent-decoding.
const maxKeyLength = 1024

// ValidateBucketName enforces S3 bucket naming rules: 3-63 characters of
// lowercase letters, digits, hyphens, and dots, with no leading or trailing
// hyphen and no dot adjacent to a hyphen.
func ValidateBucketName(bucket string) error {
	if len(bucket) < 3 || len(bucket) > 63 {
		return errInvalidBucketName
	}
	for _, r := range bucket {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '-' {
			continue
		}
		return errInvalidBucketName
	}
	if !isLowerAlphaNum(bucket[0]) || !isLowerAlphaNum(bucket[len(bucket)-1]) {
		return errInvalidBucketName
	}
	if strings.Contains(bucket, "..") || strings.Contains(bucket, ".-") || strings.Contains(bucket, "-.") {
		return errInvalidBucketName
	}
	if net.ParseIP(bucket) != nil {
		return errInvalidBucketName
	}
	for _, label := range strings.Split(bucket, ".") {
		if label == "" {
			return errInvalidBucketName
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return errInvalidBucketName
		}
	}
	return nil
}

func isLowerAlphaNum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// validateKey rejects keys containing NUL bytes or exceeding the key length
// cap after percent-decoding.
func validateKey(key string) bool {
	if key == "" || len(key) > maxKeyLength {
		return false
	}
	return !strings.ContainsRune(key, '\x00')
}
