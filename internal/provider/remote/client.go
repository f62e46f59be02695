package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// The remote drive API exposes folders and files identified by opaque ids,
// scoped to a workspace. File entries carry a native blake3 content hash, not
// an MD5.

var (
	errRemoteNotFound = errors.New("remote: entry not found")
	errRemoteConflict = errors.New("remote: name conflict")
)

// entry is a file or folder as reported by the drive API.
type entry struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"` // "folder" or "file"
	ParentID  int64  `json:"parent_id"`
	Size      int64  `json:"size"`
	Hash      string `json:"hash"` // blake3 hex for files
	Mime      string `json:"mime,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// modTime parses the entry's timestamps, preferring updated_at. Zero when the
// API reports neither.
func (e entry) modTime() time.Time {
	for _, raw := range []string{e.UpdatedAt, e.CreatedAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC().Truncate(time.Second)
		}
	}
	return time.Time{}
}

type entriesPage struct {
	Entries  []entry `json:"entries"`
	NextPage string  `json:"next_page,omitempty"`
}

type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("remote api: %d %s: %s", e.Status, e.Code, e.Message)
}

// ClientOptions configures the drive API client.
type ClientOptions struct {
	BaseURL        string
	APIKey         string
	WorkspaceID    int64
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Client is a thin HTTP client for the drive API.
type Client struct {
	base        string
	apiKey      string
	workspaceID int64
	http        *http.Client
}

// NewClient builds a client with bounded connect and request timeouts.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("remote: base url required")
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	requestTimeout := opts.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 300 * time.Second
	}
	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &Client{
		base:        opts.BaseURL,
		apiKey:      opts.APIKey,
		workspaceID: opts.WorkspaceID,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.base + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("workspaceId", strconv.FormatInt(c.workspaceID, 10))
	u += "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &apiError{Status: resp.StatusCode}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(apiErr)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errRemoteNotFound
	case http.StatusConflict:
		return errRemoteConflict
	}
	return apiErr
}

// isTransient reports whether an API error is worth retrying.
func isTransient(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// listChildren pages through the direct children of a folder. Parent id 0 is
// the workspace root.
func (c *Client) listChildren(ctx context.Context, parentID int64) ([]entry, error) {
	var out []entry
	page := ""
	for {
		query := url.Values{}
		query.Set("parentId", strconv.FormatInt(parentID, 10))
		if page != "" {
			query.Set("page", page)
		}
		req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/drive/file-entries", query, nil)
		if err != nil {
			return nil, err
		}
		var result entriesPage
		if err := c.do(req, &result); err != nil {
			return nil, err
		}
		out = append(out, result.Entries...)
		if result.NextPage == "" {
			return out, nil
		}
		page = result.NextPage
	}
}

// findChild resolves a direct child by name.
func (c *Client) findChild(ctx context.Context, parentID int64, name string) (entry, error) {
	children, err := c.listChildren(ctx, parentID)
	if err != nil {
		return entry{}, err
	}
	for _, child := range children {
		if child.Name == name {
			return child, nil
		}
	}
	return entry{}, errRemoteNotFound
}

// createFolder creates a folder under parentID. Conflicts surface as
// errRemoteConflict so callers can re-resolve.
func (c *Client) createFolder(ctx context.Context, parentID int64, name string) (entry, error) {
	payload, err := json.Marshal(map[string]any{"name": name, "parentId": parentID})
	if err != nil {
		return entry{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/folders", nil, bytes.NewReader(payload))
	if err != nil {
		return entry{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var result struct {
		Folder entry `json:"folder"`
	}
	if err := c.do(req, &result); err != nil {
		return entry{}, err
	}
	return result.Folder, nil
}

// upload streams body into a new or replaced file under parentID and returns
// the committed entry. The server reports its native hash on commit.
func (c *Client) upload(ctx context.Context, parentID int64, name, contentType string, body io.Reader) (entry, error) {
	query := url.Values{}
	query.Set("parentId", strconv.FormatInt(parentID, 10))
	query.Set("name", name)
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/uploads", query, body)
	if err != nil {
		return entry{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	var result struct {
		FileEntry entry `json:"fileEntry"`
	}
	if err := c.do(req, &result); err != nil {
		return entry{}, err
	}
	return result.FileEntry, nil
}

// download opens the content stream for a file. A non-negative length
// requests a byte range.
func (c *Client) download(ctx context.Context, id int64, offset, length int64) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/file-entries/"+strconv.FormatInt(id, 10)+"/download", nil, nil)
	if err != nil {
		return nil, err
	}
	if offset > 0 || length >= 0 {
		end := ""
		if length >= 0 {
			end = strconv.FormatInt(offset+length-1, 10)
		}
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-"+end)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// deleteEntries permanently deletes entries by id.
func (c *Client) deleteEntries(ctx context.Context, ids []int64) error {
	payload, err := json.Marshal(map[string]any{"entryIds": ids, "deleteForever": true})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/file-entries/delete", nil, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// duplicate server-side copies a file into a destination folder under a new
// name. Not every deployment supports it; callers fall back to streaming.
func (c *Client) duplicate(ctx context.Context, id, destinationID int64, name string) (entry, error) {
	payload, err := json.Marshal(map[string]any{
		"entryId":       id,
		"destinationId": destinationID,
		"name":          name,
	})
	if err != nil {
		return entry{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/file-entries/duplicate", nil, bytes.NewReader(payload))
	if err != nil {
		return entry{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var result struct {
		FileEntry entry `json:"fileEntry"`
	}
	if err := c.do(req, &result); err != nil {
		return entry{}, err
	}
	return result.FileEntry, nil
}
