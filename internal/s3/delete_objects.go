package s3

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
)

// maxDeleteObjects caps a single DeleteObjects batch.
const maxDeleteObjects = 1000

type deleteRequest struct {
	XMLName xml.Name             `xml:"Delete"`
	Quiet   bool                 `xml:"Quiet"`
	Objects []deleteRequestEntry `xml:"Object"`
}

type deleteRequestEntry struct {
	Key       string `xml:"Key"`
	VersionID string `xml:"VersionId"`
}

type deleteResult struct {
	XMLName xml.Name        `xml:"DeleteResult"`
	Deleted []deletedObject `xml:"Deleted,omitempty"`
	Errors  []deleteError   `xml:"Error,omitempty"`
}

type deletedObject struct {
	Key string `xml:"Key"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func (h *Handler) handleDeleteObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, requestID string) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML", "could not read request body", requestID, r.URL.Path)
		return
	}
	var req deleteRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML", "could not parse delete request", requestID, r.URL.Path)
		return
	}
	if len(req.Objects) == 0 || len(req.Objects) > maxDeleteObjects {
		writeError(w, http.StatusBadRequest, "MalformedXML", "delete request must name 1 to 1000 objects", requestID, r.URL.Path)
		return
	}

	keys := make([]string, 0, len(req.Objects))
	for _, obj := range req.Objects {
		keys = append(keys, obj.Key)
	}
	outcomes, err := h.Provider.DeleteObjects(ctx, bucket, keys)
	if err != nil {
		writeProviderError(w, err, requestID, r.URL.Path)
		return
	}

	// Outcomes preserve request order.
	var resp deleteResult
	for _, out := range outcomes {
		if out.Deleted {
			if !req.Quiet {
				resp.Deleted = append(resp.Deleted, deletedObject{Key: out.Key})
			}
			continue
		}
		resp.Errors = append(resp.Errors, deleteError{
			Key:     out.Key,
			Code:    out.Code,
			Message: out.Message,
		})
	}
	writeXML(w, resp)
}
