package s3

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/kk-code-lab/s3gate/internal/provider"
)

type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
	HostID    string   `xml:"HostId"`
}

func writeError(w http.ResponseWriter, status int, code, message, requestID, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	resp := errorResponse{
		Code:      code,
		Message:   message,
		Resource:  resource,
		RequestID: requestID,
		HostID:    hostID(),
	}
	_ = xml.NewEncoder(w).Encode(resp)
}

// providerErrorStatus maps the provider error taxonomy onto wire codes.
func providerErrorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, provider.ErrNoSuchBucket):
		return http.StatusNotFound, "NoSuchBucket", "bucket not found"
	case errors.Is(err, provider.ErrNoSuchKey):
		return http.StatusNotFound, "NoSuchKey", "key not found"
	case errors.Is(err, provider.ErrBucketNotEmpty):
		return http.StatusConflict, "BucketNotEmpty", "bucket not empty"
	case errors.Is(err, provider.ErrBucketExists):
		return http.StatusConflict, "BucketAlreadyOwnedByYou", "bucket already exists"
	case errors.Is(err, provider.ErrInvalidBucketName):
		return http.StatusBadRequest, "InvalidBucketName", "invalid bucket name"
	case errors.Is(err, provider.ErrBadDigest):
		return http.StatusBadRequest, "BadDigest", "content md5 mismatch"
	case errors.Is(err, provider.ErrReadOnly):
		return http.StatusForbidden, "AccessDenied", "read-only backend"
	case errors.Is(err, provider.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "ServiceUnavailable", "backend unavailable"
	default:
		return http.StatusInternalServerError, "InternalError", err.Error()
	}
}

func writeProviderError(w http.ResponseWriter, err error, requestID, resource string) {
	status, code, message := providerErrorStatus(err)
	writeError(w, status, code, message, requestID, resource)
}
