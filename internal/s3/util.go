package s3

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

func newRequestID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf[:])
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}

var httpTimeZone = time.FixedZone("GMT", 0)

func formatHTTPTime(t time.Time) string {
	return t.In(httpTimeZone).Format(time.RFC1123)
}

// formatAmzTime renders ISO-8601 at millisecond resolution, as S3 documents
// carry timestamps.
func formatAmzTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

var errPayloadHashMismatch = errors.New("payload hash mismatch")
var errPayloadHashInvalid = errors.New("invalid payload hash")
var errInvalidDigest = errors.New("invalid digest")

func parsePayloadHash(header string) (string, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, nil
	}
	if header == "UNSIGNED-PAYLOAD" {
		return header, false, nil
	}
	if header == "STREAMING-UNSIGNED-PAYLOAD" || header == "STREAMING-UNSIGNED-PAYLOAD-TRAILER" {
		return "UNSIGNED-PAYLOAD", false, nil
	}
	if strings.HasPrefix(header, "STREAMING-") {
		return "", false, errPayloadHashInvalid
	}
	if len(header) != 64 {
		return "", false, errPayloadHashInvalid
	}
	if _, err := hex.DecodeString(header); err != nil {
		return "", false, errPayloadHashInvalid
	}
	return strings.ToLower(header), true, nil
}

// payloadHashReader verifies the x-amz-content-sha256 of a fully signed
// payload while the provider streams it.
type payloadHashReader struct {
	reader   io.Reader
	expected string
	hasher   hash.Hash
	done     bool
}

func newPayloadHashReader(reader io.Reader, expected string) *payloadHashReader {
	return &payloadHashReader{
		reader:   reader,
		expected: strings.ToLower(expected),
		hasher:   sha256.New(),
	}
}

func (r *payloadHashReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	n, err := r.reader.Read(p)
	if n > 0 {
		_, _ = r.hasher.Write(p[:n])
	}
	if err == io.EOF {
		r.done = true
		if hex.EncodeToString(r.hasher.Sum(nil)) != r.expected {
			return 0, errPayloadHashMismatch
		}
		return n, io.EOF
	}
	return n, err
}

func parseContentMD5(header string) ([]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(decoded) != md5.Size {
		return nil, errInvalidDigest
	}
	return decoded, nil
}

// parseRange handles single ranges only: bytes=start-end, bytes=start-,
// bytes=-suffix.
func parseRange(header string, size int64) (start int64, length int64, ok bool) {
	if !strings.HasPrefix(header, "bytes=") || size < 0 {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	startStr, endStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if startStr == "" {
		// suffix: -N
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, n, true
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size - start, true
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end - start + 1, true
}

func formatContentRange(start, length, size int64) string {
	end := start + length - 1
	return "bytes " + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10) + "/" + strconv.FormatInt(size, 10)
}

// parseInt accepts only unsigned decimal digits. 18 digits keeps the
// accumulator below math.MaxInt64.
func parseInt(s string) (int64, error) {
	if s == "" || len(s) > 18 {
		return 0, errors.New("invalid integer")
	}
	var v int64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("invalid integer")
		}
		v = v*10 + int64(s[i]-'0')
	}
	return v, nil
}

func etagMatch(header, etag string) bool {
	if etag == "" {
		return false
	}
	header = strings.TrimSpace(header)
	if header == "*" {
		return true
	}
	etag = strings.ToLower(strings.Trim(etag, "\""))
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "W/")
		part = strings.Trim(part, "\"")
		if strings.ToLower(part) == etag {
			return true
		}
	}
	return false
}

var hostIDOnce sync.Once
var hostIDValue string

func hostID() string {
	hostIDOnce.Do(func() {
		host, _ := os.Hostname()
		sum := sha256.Sum256([]byte(host))
		hostIDValue = hex.EncodeToString(sum[:8])
		if hostIDValue == "" {
			hostIDValue = "s3gate"
		}
	})
	return hostIDValue
}
