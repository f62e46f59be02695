package s3

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type streamingMode int

const (
	streamingNone streamingMode = iota
	streamingUnsigned
	streamingSigned
)

const streamingPayloadSig = "AWS4-HMAC-SHA256-PAYLOAD"

const emptySHA256Hex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

var errDecodedLengthMismatch = errors.New("decoded content length mismatch")

func parseStreamingMode(header string) (streamingMode, error) {
	switch strings.TrimSpace(header) {
	case "STREAMING-UNSIGNED-PAYLOAD", "STREAMING-UNSIGNED-PAYLOAD-TRAILER":
		return streamingUnsigned, nil
	case "STREAMING-AWS4-HMAC-SHA256-PAYLOAD":
		return streamingSigned, nil
	}
	if strings.HasPrefix(strings.TrimSpace(header), "STREAMING-") {
		return streamingNone, errPayloadHashInvalid
	}
	return streamingNone, nil
}

func hasAWSChunkedEncoding(header string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), "aws-chunked") {
			return true
		}
	}
	return false
}

type sigv4ContextKey struct{}

// sigv4Context carries the signing state a verified V4 request leaves behind
// so chunk signatures can chain off the seed.
type sigv4Context struct {
	signingKey    []byte
	seedSignature string
	amzDate       string
	scope         string
}

func sigv4ContextFromRequest(r *http.Request) (*sigv4Context, bool) {
	if r == nil {
		return nil, false
	}
	ctx, ok := r.Context().Value(sigv4ContextKey{}).(*sigv4Context)
	return ctx, ok && ctx != nil
}

// awsChunkedReader decodes an aws-chunked body. In signed mode each chunk
// frame carries a chunk-signature that must extend the chain seeded by the
// request signature; the final zero-size frame closes the chain.
type awsChunkedReader struct {
	r           *bufio.Reader
	mode        streamingMode
	sigv4       *sigv4Context
	prevSig     string
	expectedSig string
	remaining   int64
	totalRead   int64
	expectedLen int64
	chunkHasher hash.Hash
	done        bool
}

func newAWSChunkedReader(reader io.Reader, mode streamingMode, sigv4 *sigv4Context, expectedLen int64) io.Reader {
	r := &awsChunkedReader{
		r:           bufio.NewReader(reader),
		mode:        mode,
		sigv4:       sigv4,
		expectedLen: expectedLen,
	}
	if sigv4 != nil {
		r.prevSig = strings.ToLower(sigv4.seedSignature)
	}
	if mode == streamingSigned {
		r.chunkHasher = sha256.New()
	}
	return r
}

func (r *awsChunkedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.remaining == 0 {
		size, sig, err := r.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			if err := r.verifyChunkSignature(nil, sig); err != nil {
				return 0, err
			}
			if err := r.drainTrailers(); err != nil {
				return 0, err
			}
			if r.expectedLen >= 0 && r.totalRead != r.expectedLen {
				return 0, errDecodedLengthMismatch
			}
			r.done = true
			return 0, io.EOF
		}
		r.remaining = size
		r.expectedSig = sig
		if r.chunkHasher != nil {
			r.chunkHasher.Reset()
		}
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := io.ReadFull(r.r, p)
	if n > 0 {
		r.totalRead += int64(n)
		if r.chunkHasher != nil {
			_, _ = r.chunkHasher.Write(p[:n])
		}
	}
	if err != nil {
		return n, err
	}
	r.remaining -= int64(n)
	if r.remaining == 0 {
		if err := r.readCRLF(); err != nil {
			return 0, err
		}
		if err := r.verifyChunkSignature(r.chunkHasher, r.expectedSig); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (r *awsChunkedReader) readChunkHeader() (int64, string, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, "", err
	}
	sizePart := line
	var sig string
	if semi := strings.IndexByte(line, ';'); semi >= 0 {
		sizePart = line[:semi]
		for _, field := range strings.Split(line[semi+1:], ";") {
			field = strings.TrimSpace(field)
			if strings.HasPrefix(field, "chunk-signature=") {
				sig = strings.TrimPrefix(field, "chunk-signature=")
			}
		}
	}
	sizePart = strings.TrimSpace(sizePart)
	if sizePart == "" {
		return 0, "", errPayloadHashInvalid
	}
	size, err := strconv.ParseInt(sizePart, 16, 64)
	if err != nil || size < 0 {
		return 0, "", errPayloadHashInvalid
	}
	return size, sig, nil
}

func (r *awsChunkedReader) verifyChunkSignature(hasher hash.Hash, sig string) error {
	if r.mode != streamingSigned {
		return nil
	}
	if r.sigv4 == nil || len(r.sigv4.signingKey) == 0 || r.sigv4.seedSignature == "" {
		return errSignatureMismatch
	}
	if sig == "" {
		return errPayloadHashInvalid
	}
	chunkHashHex := emptySHA256Hex
	if hasher != nil {
		chunkHashHex = hex.EncodeToString(hasher.Sum(nil))
	}
	expected := signStreamingChunk(r.sigv4.signingKey, r.sigv4.amzDate, r.sigv4.scope, r.prevSig, chunkHashHex)
	if !hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected)) {
		return errSignatureMismatch
	}
	r.prevSig = expected
	return nil
}

// drainTrailers consumes trailer lines after the final frame without
// interpreting them.
func (r *awsChunkedReader) drainTrailers() error {
	for {
		line, err := r.readLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if line == "" {
			return nil
		}
		if !strings.Contains(line, ":") {
			return errPayloadHashInvalid
		}
	}
}

func (r *awsChunkedReader) readLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		return "", io.ErrUnexpectedEOF
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func (r *awsChunkedReader) readCRLF() error {
	b1, err := r.r.ReadByte()
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	b2, err := r.r.ReadByte()
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	if b1 != '\r' || b2 != '\n' {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func signStreamingChunk(signingKey []byte, amzDate, scope, prevSignature, chunkHashHex string) string {
	stringToSign := strings.Join([]string{
		streamingPayloadSig,
		amzDate,
		scope,
		prevSignature,
		emptySHA256Hex,
		chunkHashHex,
	}, "\n")
	return strings.ToLower(hmacSHA256Hex(signingKey, stringToSign))
}
