package s3

import (
	"context"
	"encoding/xml"
	"net/http"
)

type listAllMyBucketsResult struct {
	XMLName xml.Name      `xml:"ListAllMyBucketsResult"`
	Owner   bucketOwner   `xml:"Owner"`
	Buckets []bucketEntry `xml:"Buckets>Bucket"`
}

type bucketOwner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func (h *Handler) handleListBuckets(ctx context.Context, w http.ResponseWriter, requestID string) {
	buckets, err := h.Provider.ListBuckets(ctx)
	if err != nil {
		writeProviderError(w, err, requestID, "/")
		return
	}
	resp := listAllMyBucketsResult{
		Owner:   bucketOwner{ID: hostID(), DisplayName: "s3gate"},
		Buckets: make([]bucketEntry, 0, len(buckets)),
	}
	for _, b := range buckets {
		resp.Buckets = append(resp.Buckets, bucketEntry{
			Name:         b.Name,
			CreationDate: formatAmzTime(b.CreatedAt),
		})
	}
	writeXML(w, resp)
}
