package s3

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"
)

type listBucketResultV2 struct {
	XMLName               xml.Name       `xml:"ListBucketResult"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	Delimiter             string         `xml:"Delimiter,omitempty"`
	StartAfter            string         `xml:"StartAfter,omitempty"`
	KeyCount              int            `xml:"KeyCount"`
	MaxKeys               int            `xml:"MaxKeys"`
	IsTruncated           bool           `xml:"IsTruncated"`
	ContinuationToken     string         `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
	Contents              []listContents `xml:"Contents,omitempty"`
	CommonPrefixes        []commonPrefix `xml:"CommonPrefixes,omitempty"`
}

type listBucketResultV1 struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []listContents `xml:"Contents,omitempty"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes,omitempty"`
}

type listContents struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (h *Handler) handleListV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, requestID string) {
	if !h.requireBucket(ctx, w, bucket, requestID, r.URL.Path) {
		return
	}
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	maxKeys := parseMaxKeys(q.Get("max-keys"))

	afterKey := decodeContinuation(q.Get("continuation-token"))
	if afterKey == "" {
		afterKey = q.Get("start-after")
	}

	page, err := h.listObjects(ctx, bucket, prefix, delimiter, afterKey, maxKeys)
	if err != nil {
		writeProviderError(w, err, requestID, r.URL.Path)
		return
	}

	resp := listBucketResultV2{
		Name:              bucket,
		Prefix:            prefix,
		Delimiter:         delimiter,
		StartAfter:        q.Get("start-after"),
		KeyCount:          len(page.contents) + len(page.common),
		MaxKeys:           maxKeys,
		IsTruncated:       page.truncated,
		ContinuationToken: q.Get("continuation-token"),
		Contents:          page.contents,
		CommonPrefixes:    page.common,
	}
	if page.truncated && page.lastKey != "" {
		resp.NextContinuationToken = encodeContinuation(page.lastKey)
	}
	writeXML(w, resp)
}

func (h *Handler) handleListV1(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, requestID string) {
	if !h.requireBucket(ctx, w, bucket, requestID, r.URL.Path) {
		return
	}
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	maxKeys := parseMaxKeys(q.Get("max-keys"))
	marker := q.Get("marker")

	page, err := h.listObjects(ctx, bucket, prefix, delimiter, marker, maxKeys)
	if err != nil {
		writeProviderError(w, err, requestID, r.URL.Path)
		return
	}

	resp := listBucketResultV1{
		Name:           bucket,
		Prefix:         prefix,
		Marker:         marker,
		Delimiter:      delimiter,
		MaxKeys:        maxKeys,
		IsTruncated:    page.truncated,
		Contents:       page.contents,
		CommonPrefixes: page.common,
	}
	// V1 reports NextMarker only when a delimiter groups keys; otherwise the
	// client continues from the last Contents key.
	if page.truncated && delimiter != "" && page.lastKey != "" {
		resp.NextMarker = page.lastKey
	}
	writeXML(w, resp)
}

func (h *Handler) requireBucket(ctx context.Context, w http.ResponseWriter, bucket, requestID, resource string) bool {
	exists, err := h.Provider.BucketExists(ctx, bucket)
	if err != nil {
		writeProviderError(w, err, requestID, resource)
		return false
	}
	if !exists {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "bucket not found", requestID, resource)
		return false
	}
	return true
}

type listResult struct {
	contents  []listContents
	common    []commonPrefix
	truncated bool
	lastKey   string
}

// listObjects pages through the provider and applies delimiter grouping.
// Keys sharing a prefix segment up to the delimiter collapse into one
// CommonPrefixes entry that counts once against maxKeys.
func (h *Handler) listObjects(ctx context.Context, bucket, prefix, delimiter, afterKey string, maxKeys int) (listResult, error) {
	out := listResult{
		contents: make([]listContents, 0),
		common:   make([]commonPrefix, 0),
	}
	commonSet := make(map[string]struct{})
	count := 0

	for {
		objs, more, err := h.Provider.ListObjects(ctx, bucket, prefix, afterKey, maxKeys+1)
		if err != nil {
			return listResult{}, err
		}
		if len(objs) == 0 {
			break
		}
		for _, obj := range objs {
			if count >= maxKeys {
				out.truncated = true
				return out, nil
			}
			out.lastKey = obj.Key
			if delimiter != "" {
				rest := strings.TrimPrefix(obj.Key, prefix)
				if idx := strings.Index(rest, delimiter); idx >= 0 {
					cp := prefix + rest[:idx+len(delimiter)]
					if _, seen := commonSet[cp]; !seen {
						commonSet[cp] = struct{}{}
						out.common = append(out.common, commonPrefix{Prefix: cp})
						count++
					}
					continue
				}
			}
			out.contents = append(out.contents, listContents{
				Key:          obj.Key,
				LastModified: formatAmzTime(obj.LastModified),
				ETag:         `"` + obj.ETag + `"`,
				Size:         obj.Size,
				StorageClass: "STANDARD",
			})
			count++
		}
		if !more {
			break
		}
		afterKey = out.lastKey
	}
	return out, nil
}

func parseMaxKeys(raw string) int {
	if raw == "" {
		return 1000
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 1000
	}
	if v > 1000 {
		return 1000
	}
	return v
}

func encodeContinuation(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeContinuation(raw string) string {
	if raw == "" {
		return ""
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		// Tolerate raw keys passed as tokens.
		return raw
	}
	return string(data)
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(v)
}
