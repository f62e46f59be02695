// Package local implements the filesystem-backed storage provider. Each bucket
// is a directory under the root with payloads in objects/ and JSON sidecars in
// .metadata/.
package local

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kk-code-lab/s3gate/internal/provider"
)

const (
	objectsDir  = "objects"
	metadataDir = ".metadata"
	dirMode     = 0o700
	fileMode    = 0o600
)

// sidecar is the on-disk metadata record next to each payload.
type sidecar struct {
	ContentType    string            `json:"content_type"`
	MD5            string            `json:"md5"`
	Size           int64             `json:"size"`
	LastModifiedMS int64             `json:"last_modified_ms"`
	UserMetadata   map[string]string `json:"user_metadata,omitempty"`
}

// Provider stores buckets as directories under Root.
type Provider struct {
	root     string
	readOnly bool
}

// Options configures the local provider.
type Options struct {
	Root     string
	ReadOnly bool
}

// New creates the provider and its root directory.
func New(opts Options) (*Provider, error) {
	if opts.Root == "" {
		return nil, errors.New("local: root directory required")
	}
	if err := os.MkdirAll(opts.Root, dirMode); err != nil {
		return nil, err
	}
	return &Provider{root: opts.Root, readOnly: opts.ReadOnly}, nil
}

func (p *Provider) bucketPath(bucket string) string {
	return filepath.Join(p.root, bucket)
}

// keyPath maps an object key onto the payload path under objects/.
func (p *Provider) keyPath(bucket, key string) (string, error) {
	if !keyIsSafe(key) {
		return "", provider.ErrNoSuchKey
	}
	return filepath.Join(p.bucketPath(bucket), objectsDir, filepath.FromSlash(key)), nil
}

func (p *Provider) sidecarPath(bucket, key string) (string, error) {
	if !keyIsSafe(key) {
		return "", provider.ErrNoSuchKey
	}
	return filepath.Join(p.bucketPath(bucket), metadataDir, filepath.FromSlash(key)+".json"), nil
}

// keyIsSafe rejects keys that would escape the bucket directory.
func keyIsSafe(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\x00") {
		return false
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

// ListBuckets returns all bucket directories sorted by name.
func (p *Provider) ListBuckets(ctx context.Context) ([]provider.Bucket, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Bucket, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		created := time.Now().UTC()
		if info, err := entry.Info(); err == nil {
			created = info.ModTime().UTC()
		}
		out = append(out, provider.Bucket{Name: entry.Name(), CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateBucket creates the bucket directory tree.
func (p *Provider) CreateBucket(ctx context.Context, bucket string) (provider.Bucket, error) {
	if p.readOnly {
		return provider.Bucket{}, provider.ErrReadOnly
	}
	path := p.bucketPath(bucket)
	if _, err := os.Stat(path); err == nil {
		return provider.Bucket{}, provider.ErrBucketExists
	}
	if err := os.MkdirAll(filepath.Join(path, objectsDir), dirMode); err != nil {
		return provider.Bucket{}, err
	}
	if err := os.MkdirAll(filepath.Join(path, metadataDir), dirMode); err != nil {
		return provider.Bucket{}, err
	}
	return provider.Bucket{Name: bucket, CreatedAt: time.Now().UTC()}, nil
}

// DeleteBucket removes an empty bucket. Both the payload and metadata trees
// must be empty or the whole operation fails.
func (p *Provider) DeleteBucket(ctx context.Context, bucket string) error {
	if p.readOnly {
		return provider.ErrReadOnly
	}
	path := p.bucketPath(bucket)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return provider.ErrNoSuchBucket
		}
		return err
	}
	empty, err := dirTreeEmpty(filepath.Join(path, objectsDir))
	if err != nil {
		return err
	}
	if !empty {
		return provider.ErrBucketNotEmpty
	}
	empty, err = dirTreeEmpty(filepath.Join(path, metadataDir))
	if err != nil {
		return err
	}
	if !empty {
		return provider.ErrBucketNotEmpty
	}
	return os.RemoveAll(path)
}

func dirTreeEmpty(root string) (bool, error) {
	empty := true
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			empty = false
			return fs.SkipAll
		}
		return nil
	})
	return empty, err
}

// BucketExists probes the bucket directory.
func (p *Provider) BucketExists(ctx context.Context, bucket string) (bool, error) {
	info, err := os.Stat(p.bucketPath(bucket))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// PutObject streams the body into a temp file while hashing, then renames the
// payload and its sidecar into place. Partial writes never become visible.
func (p *Provider) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts provider.PutOptions) (provider.ObjectInfo, error) {
	if p.readOnly {
		return provider.ObjectInfo{}, provider.ErrReadOnly
	}
	if ok, err := p.BucketExists(ctx, bucket); err != nil {
		return provider.ObjectInfo{}, err
	} else if !ok {
		return provider.ObjectInfo{}, provider.ErrNoSuchBucket
	}
	payloadPath, err := p.keyPath(bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	metaPath, err := p.sidecarPath(bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(payloadPath), dirMode); err != nil {
		return provider.ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(metaPath), dirMode); err != nil {
		return provider.ObjectInfo{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(payloadPath), ".put-*")
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		cleanup()
		return provider.ObjectInfo{}, err
	}

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		cleanup()
		return provider.ObjectInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return provider.ObjectInfo{}, err
	}
	sum := hasher.Sum(nil)
	if len(opts.ExpectedMD5) > 0 && !md5Equal(sum, opts.ExpectedMD5) {
		cleanup()
		return provider.ObjectInfo{}, provider.ErrBadDigest
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return provider.ObjectInfo{}, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return provider.ObjectInfo{}, err
	}
	if err := os.Rename(tmpName, payloadPath); err != nil {
		_ = os.Remove(tmpName)
		return provider.ObjectInfo{}, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = provider.DefaultContentType
	}
	now := time.Now().UTC().Truncate(time.Second)
	record := sidecar{
		ContentType:    contentType,
		MD5:            hex.EncodeToString(sum),
		Size:           size,
		LastModifiedMS: now.UnixMilli(),
		UserMetadata:   opts.UserMetadata,
	}
	if err := writeSidecar(metaPath, record); err != nil {
		return provider.ObjectInfo{}, err
	}
	return provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ContentType:  contentType,
		ETag:         record.MD5,
		LastModified: now,
		UserMetadata: opts.UserMetadata,
	}, nil
}

func writeSidecar(path string, record sidecar) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".meta-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func md5Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func (p *Provider) statObject(bucket, key string) (provider.ObjectInfo, error) {
	payloadPath, err := p.keyPath(bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	info, err := os.Stat(payloadPath)
	if err != nil {
		if os.IsNotExist(err) {
			return provider.ObjectInfo{}, provider.ErrNoSuchKey
		}
		return provider.ObjectInfo{}, err
	}
	if info.IsDir() {
		return provider.ObjectInfo{}, provider.ErrNoSuchKey
	}
	metaPath, err := p.sidecarPath(bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	data, err := os.ReadFile(metaPath)
	if err != nil {
		// A payload without its sidecar is a corruption signal.
		log.Printf("local: missing sidecar bucket=%s key=%s: %v", bucket, key, err)
		return provider.ObjectInfo{}, fmt.Errorf("local: sidecar missing for %s/%s: %w", bucket, key, err)
	}
	var record sidecar
	if err := json.Unmarshal(data, &record); err != nil {
		log.Printf("local: corrupt sidecar bucket=%s key=%s: %v", bucket, key, err)
		return provider.ObjectInfo{}, fmt.Errorf("local: corrupt sidecar for %s/%s: %w", bucket, key, err)
	}
	contentType := record.ContentType
	if contentType == "" {
		contentType = provider.DefaultContentType
	}
	return provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         record.Size,
		ContentType:  contentType,
		ETag:         record.MD5,
		LastModified: time.UnixMilli(record.LastModifiedMS).UTC(),
		UserMetadata: record.UserMetadata,
	}, nil
}

// HeadObject returns sidecar metadata.
func (p *Provider) HeadObject(ctx context.Context, bucket, key string) (provider.ObjectInfo, error) {
	if ok, err := p.BucketExists(ctx, bucket); err != nil {
		return provider.ObjectInfo{}, err
	} else if !ok {
		return provider.ObjectInfo{}, provider.ErrNoSuchBucket
	}
	return p.statObject(bucket, key)
}

// GetObject opens the payload, optionally seeking to a range. A negative
// length reads to the end.
func (p *Provider) GetObject(ctx context.Context, bucket, key string, offset, length int64) (provider.ObjectInfo, io.ReadCloser, error) {
	info, err := p.HeadObject(ctx, bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, nil, err
	}
	payloadPath, err := p.keyPath(bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, nil, err
	}
	f, err := os.Open(payloadPath)
	if err != nil {
		if os.IsNotExist(err) {
			return provider.ObjectInfo{}, nil, provider.ErrNoSuchKey
		}
		return provider.ObjectInfo{}, nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return provider.ObjectInfo{}, nil, err
		}
	}
	if length >= 0 {
		return info, &limitedReadCloser{Reader: io.LimitReader(f, length), closer: f}, nil
	}
	return info, f, nil
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }

// DeleteObject removes the payload and sidecar. Missing keys succeed.
func (p *Provider) DeleteObject(ctx context.Context, bucket, key string) error {
	if p.readOnly {
		return provider.ErrReadOnly
	}
	if ok, err := p.BucketExists(ctx, bucket); err != nil {
		return err
	} else if !ok {
		return provider.ErrNoSuchBucket
	}
	payloadPath, err := p.keyPath(bucket, key)
	if err != nil {
		return err
	}
	metaPath, err := p.sidecarPath(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(payloadPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	p.pruneEmptyDirs(bucket, key)
	return nil
}

// pruneEmptyDirs removes directories emptied by a delete, up to objects/ and
// .metadata/ themselves.
func (p *Provider) pruneEmptyDirs(bucket, key string) {
	for _, base := range []string{objectsDir, metadataDir} {
		stop := filepath.Join(p.bucketPath(bucket), base)
		dir := filepath.Dir(filepath.Join(stop, filepath.FromSlash(key)))
		for dir != stop && strings.HasPrefix(dir, stop) {
			if err := os.Remove(dir); err != nil {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
}

// DeleteObjects deletes each key, reporting per-key outcomes in input order.
func (p *Provider) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]provider.DeleteOutcome, error) {
	if p.readOnly {
		return nil, provider.ErrReadOnly
	}
	if ok, err := p.BucketExists(ctx, bucket); err != nil {
		return nil, err
	} else if !ok {
		return nil, provider.ErrNoSuchBucket
	}
	out := make([]provider.DeleteOutcome, 0, len(keys))
	for _, key := range keys {
		if err := p.DeleteObject(ctx, bucket, key); err != nil {
			out = append(out, provider.DeleteOutcome{Key: key, Code: "InternalError", Message: err.Error()})
			continue
		}
		out = append(out, provider.DeleteOutcome{Key: key, Deleted: true})
	}
	return out, nil
}

// CopyObject streams the source payload into a fresh put at the destination.
func (p *Provider) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (provider.ObjectInfo, error) {
	if p.readOnly {
		return provider.ObjectInfo{}, provider.ErrReadOnly
	}
	if ok, err := p.BucketExists(ctx, dstBucket); err != nil {
		return provider.ObjectInfo{}, err
	} else if !ok {
		return provider.ObjectInfo{}, provider.ErrNoSuchBucket
	}
	srcInfo, body, err := p.GetObject(ctx, srcBucket, srcKey, 0, -1)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	defer func() { _ = body.Close() }()
	if srcBucket == dstBucket && srcKey == dstKey {
		// Same-key copy replaces metadata only.
		return srcInfo, nil
	}
	return p.PutObject(ctx, dstBucket, dstKey, body, provider.PutOptions{
		ContentType:  srcInfo.ContentType,
		UserMetadata: srcInfo.UserMetadata,
	})
}

// ListObjects walks objects/ and returns up to limit keys greater than
// afterKey in lexicographic order.
func (p *Provider) ListObjects(ctx context.Context, bucket, prefix, afterKey string, limit int) ([]provider.ObjectInfo, bool, error) {
	if ok, err := p.BucketExists(ctx, bucket); err != nil {
		return nil, false, err
	} else if !ok {
		return nil, false, provider.ErrNoSuchBucket
	}
	if limit <= 0 {
		limit = 1000
	}
	root := filepath.Join(p.bucketPath(bucket), objectsDir)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		// Skip in-flight upload temporaries.
		if strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		if afterKey != "" && key <= afterKey {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	sort.Strings(keys)
	truncated := false
	if len(keys) > limit {
		keys = keys[:limit]
		truncated = true
	}
	out := make([]provider.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		info, err := p.statObject(bucket, key)
		if err != nil {
			return nil, false, err
		}
		out = append(out, info)
	}
	return out, truncated, nil
}
