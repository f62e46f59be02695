package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/kk-code-lab/s3gate/internal/provider"
)

// Handler serves the S3 REST surface over a storage provider. Path-style
// addressing always works; VirtualHosted additionally resolves the bucket
// from the Host header.
type Handler struct {
	Provider      provider.Storage
	Auth          *AuthConfig
	VirtualHosted bool
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := newRequestID()
	w.Header().Set("x-amz-request-id", requestID)
	w.Header().Set("x-amz-id-2", hostID())

	if h.Provider == nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "storage not initialized", requestID, r.URL.Path)
		return
	}

	r, ok := h.authenticate(w, r, requestID)
	if !ok {
		return
	}

	bucket, key, err := h.resolve(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidURI", "could not parse request path", requestID, r.URL.Path)
		return
	}

	ctx := r.Context()
	switch {
	case bucket == "":
		if r.Method == http.MethodGet {
			h.handleListBuckets(ctx, w, requestID)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "", requestID, r.URL.Path)
	case key == "":
		h.serveBucket(ctx, w, r, bucket, requestID)
	default:
		h.serveObject(ctx, w, r, bucket, key, requestID)
	}
}

func (h *Handler) serveBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, requestID string) {
	query := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		switch {
		case query.Has("location"):
			h.handleLocation(ctx, w, bucket, requestID, r.URL.Path)
		case query.Get("list-type") == "2":
			h.handleListV2(ctx, w, r, bucket, requestID)
		default:
			h.handleListV1(ctx, w, r, bucket, requestID)
		}
	case http.MethodPut:
		h.handleCreateBucket(ctx, w, bucket, requestID, r.URL.Path)
	case http.MethodHead:
		h.handleHeadBucket(ctx, w, bucket)
	case http.MethodDelete:
		h.handleDeleteBucket(ctx, w, bucket, requestID, r.URL.Path)
	case http.MethodPost:
		if query.Has("delete") {
			h.handleDeleteObjects(ctx, w, r, bucket, requestID)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "", requestID, r.URL.Path)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "", requestID, r.URL.Path)
	}
}

func (h *Handler) serveObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, requestID string) {
	if !validateKey(key) {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "invalid object key", requestID, r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodPut:
		if source := r.Header.Get("X-Amz-Copy-Source"); source != "" {
			h.handleCopyObject(ctx, w, r, bucket, key, source, requestID)
			return
		}
		h.handlePutObject(ctx, w, r, bucket, key, requestID)
	case http.MethodGet:
		h.handleGetObject(ctx, w, r, bucket, key, requestID, false)
	case http.MethodHead:
		h.handleGetObject(ctx, w, r, bucket, key, requestID, true)
	case http.MethodDelete:
		h.handleDeleteObject(ctx, w, bucket, key, requestID, r.URL.Path)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "", requestID, r.URL.Path)
	}
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, requestID string) (*http.Request, bool) {
	if h.Auth == nil {
		return r, true
	}
	verified, err := h.Auth.Verify(r)
	if err == nil {
		return verified, true
	}
	switch {
	case errors.Is(err, errAccessDenied):
		writeError(w, http.StatusForbidden, "AccessDenied", "access denied", requestID, r.URL.Path)
	case errors.Is(err, errTimeSkew):
		writeError(w, http.StatusForbidden, "RequestTimeTooSkewed", "request time too skewed", requestID, r.URL.Path)
	case errors.Is(err, errMissingCredentials):
		writeError(w, http.StatusForbidden, "MissingSecurityHeader", "missing security header", requestID, r.URL.Path)
	default:
		writeError(w, http.StatusForbidden, "SignatureDoesNotMatch", "signature mismatch", requestID, r.URL.Path)
	}
	return r, false
}

// resolve extracts bucket and key. The key keeps percent-encoded slashes by
// decoding the escaped path after the bucket segment is split off.
func (h *Handler) resolve(r *http.Request) (bucket, key string, err error) {
	escaped := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if h.VirtualHosted {
		if host := hostBucketName(r); host != "" {
			key, err = url.PathUnescape(escaped)
			return host, key, err
		}
	}
	if escaped == "" {
		return "", "", nil
	}
	bucketPart, keyPart, _ := strings.Cut(escaped, "/")
	bucket, err = url.PathUnescape(bucketPart)
	if err != nil {
		return "", "", err
	}
	key, err = url.PathUnescape(keyPart)
	return bucket, key, err
}

// hostBucketName returns the leading Host label when the request targets a
// bucket subdomain, empty otherwise.
func hostBucketName(r *http.Request) string {
	host := r.Host
	if host == "" {
		return ""
	}
	if hst, _, err := net.SplitHostPort(host); err == nil {
		host = hst
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return ""
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

func (h *Handler) handlePutObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, requestID string) {
	defer func() { _ = r.Body.Close() }()

	expectedMD5, err := parseContentMD5(r.Header.Get("Content-Md5"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidDigest", "invalid content md5", requestID, r.URL.Path)
		return
	}

	reader, err := h.wrapBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidDigest", "invalid payload hash", requestID, r.URL.Path)
		return
	}

	opts := provider.PutOptions{
		ContentType:  r.Header.Get("Content-Type"),
		UserMetadata: collectUserMetadata(r.Header),
		ExpectedMD5:  expectedMD5,
	}
	info, err := h.Provider.PutObject(ctx, bucket, key, reader, opts)
	if err != nil {
		switch {
		case errors.Is(err, errPayloadHashMismatch):
			writeError(w, http.StatusBadRequest, "XAmzContentSHA256Mismatch", "payload hash mismatch", requestID, r.URL.Path)
		case errors.Is(err, errPayloadHashInvalid), errors.Is(err, errDecodedLengthMismatch):
			writeError(w, http.StatusBadRequest, "InvalidDigest", "invalid chunked payload", requestID, r.URL.Path)
		case errors.Is(err, errSignatureMismatch):
			writeError(w, http.StatusForbidden, "SignatureDoesNotMatch", "chunk signature mismatch", requestID, r.URL.Path)
		default:
			writeProviderError(w, err, requestID, r.URL.Path)
		}
		return
	}
	w.Header().Set("ETag", `"`+info.ETag+`"`)
	w.WriteHeader(http.StatusOK)
}

// wrapBody layers payload verification over the request body: aws-chunked
// decoding (signed or unsigned) or a full-payload SHA-256 check.
func (h *Handler) wrapBody(r *http.Request) (io.Reader, error) {
	var reader io.Reader = r.Body
	hashHeader := r.Header.Get("X-Amz-Content-Sha256")
	mode, err := parseStreamingMode(hashHeader)
	if err != nil {
		return nil, err
	}
	if mode != streamingNone || hasAWSChunkedEncoding(r.Header.Get("Content-Encoding")) {
		var sig *sigv4Context
		if mode == streamingSigned {
			ctx, ok := sigv4ContextFromRequest(r)
			if !ok {
				return nil, errPayloadHashInvalid
			}
			sig = ctx
		}
		expectedLen := int64(-1)
		if raw := r.Header.Get("X-Amz-Decoded-Content-Length"); raw != "" {
			if v, perr := parseInt(raw); perr == nil {
				expectedLen = v
			}
		}
		return newAWSChunkedReader(r.Body, mode, sig, expectedLen), nil
	}
	expected, verify, err := parsePayloadHash(hashHeader)
	if err != nil {
		return nil, err
	}
	if verify {
		reader = newPayloadHashReader(reader, expected)
	}
	return reader, nil
}

func collectUserMetadata(header http.Header) map[string]string {
	var meta map[string]string
	for name, values := range header {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-amz-meta-") || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = make(map[string]string)
		}
		meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
	}
	return meta
}

func (h *Handler) handleGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, requestID string, headOnly bool) {
	info, err := h.Provider.HeadObject(ctx, bucket, key)
	if err != nil {
		if headOnly {
			status, _, _ := providerErrorStatus(err)
			w.WriteHeader(status)
			return
		}
		writeProviderError(w, err, requestID, r.URL.Path)
		return
	}

	writeObjectHeaders(w, info)
	if h.checkPreconditions(w, r, info, requestID) {
		return
	}

	offset, length := int64(0), int64(-1)
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, n, ok := parseRange(rangeHeader, info.Size)
		if !ok {
			w.Header().Set("Content-Range", "bytes */"+intToString(info.Size))
			if headOnly {
				w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
				return
			}
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "requested range not satisfiable", requestID, r.URL.Path)
			return
		}
		offset, length = start, n
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", formatContentRange(start, n, info.Size))
		w.Header().Set("Content-Length", intToString(n))
	} else {
		w.Header().Set("Content-Length", intToString(info.Size))
	}

	if headOnly {
		w.WriteHeader(status)
		return
	}

	_, body, err := h.Provider.GetObject(ctx, bucket, key, offset, length)
	if err != nil {
		writeProviderError(w, err, requestID, r.URL.Path)
		return
	}
	defer func() { _ = body.Close() }()
	w.WriteHeader(status)
	_, _ = io.Copy(w, body)
}

func writeObjectHeaders(w http.ResponseWriter, info provider.ObjectInfo) {
	contentType := info.ContentType
	if contentType == "" {
		contentType = provider.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	if info.ETag != "" {
		w.Header().Set("ETag", `"`+info.ETag+`"`)
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", formatHTTPTime(info.LastModified))
	}
	for name, value := range info.UserMetadata {
		w.Header().Set("x-amz-meta-"+name, value)
	}
}

func (h *Handler) checkPreconditions(w http.ResponseWriter, r *http.Request, info provider.ObjectInfo, requestID string) bool {
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" {
		if !etagMatch(ifMatch, info.ETag) {
			writeError(w, http.StatusPreconditionFailed, "PreconditionFailed", "etag mismatch", requestID, r.URL.Path)
			return true
		}
	}
	if ifNone := r.Header.Get("If-None-Match"); ifNone != "" {
		if etagMatch(ifNone, info.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	return false
}

func (h *Handler) handleDeleteObject(ctx context.Context, w http.ResponseWriter, bucket, key, requestID, resource string) {
	if err := h.Provider.DeleteObject(ctx, bucket, key); err != nil {
		writeProviderError(w, err, requestID, resource)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type copyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

func (h *Handler) handleCopyObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key, source, requestID string) {
	srcBucket, srcKey, ok := parseCopySource(source)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "invalid copy source", requestID, r.URL.Path)
		return
	}
	info, err := h.Provider.CopyObject(ctx, srcBucket, srcKey, bucket, key)
	if err != nil {
		writeProviderError(w, err, requestID, r.URL.Path)
		return
	}
	resp := copyObjectResult{
		ETag:         `"` + info.ETag + `"`,
		LastModified: formatAmzTime(info.LastModified),
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(resp)
}

func parseCopySource(raw string) (bucket, key string, ok bool) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", "", false
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", "", false
	}
	bucket, key, found := strings.Cut(decoded, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

func (h *Handler) handleCreateBucket(ctx context.Context, w http.ResponseWriter, bucket, requestID, resource string) {
	if err := ValidateBucketName(bucket); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidBucketName", "invalid bucket name", requestID, resource)
		return
	}
	if _, err := h.Provider.CreateBucket(ctx, bucket); err != nil {
		writeProviderError(w, err, requestID, resource)
		return
	}
	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleHeadBucket(ctx context.Context, w http.ResponseWriter, bucket string) {
	exists, err := h.Provider.BucketExists(ctx, bucket)
	if err != nil {
		status, _, _ := providerErrorStatus(err)
		w.WriteHeader(status)
		return
	}
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleDeleteBucket(ctx context.Context, w http.ResponseWriter, bucket, requestID, resource string) {
	if err := h.Provider.DeleteBucket(ctx, bucket); err != nil {
		writeProviderError(w, err, requestID, resource)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type locationResult struct {
	XMLName xml.Name `xml:"LocationConstraint"`
	XMLNS   string   `xml:"xmlns,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

func (h *Handler) handleLocation(ctx context.Context, w http.ResponseWriter, bucket, requestID, resource string) {
	exists, err := h.Provider.BucketExists(ctx, bucket)
	if err != nil {
		writeProviderError(w, err, requestID, resource)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket not found", requestID, resource)
		return
	}
	region := ""
	if h.Auth != nil && h.Auth.Region != "" && h.Auth.Region != "us-east-1" {
		region = h.Auth.Region
	}
	resp := locationResult{
		XMLNS: "http://s3.amazonaws.com/doc/2006-03-01/",
		Value: region,
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(resp)
}
