// Package remote bridges S3 semantics onto the workspace drive API. The
// backend's native hash is blake3, so S3 ETags come from the md5cache written
// on every successful upload.
package remote

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"

	"github.com/kk-code-lab/s3gate/internal/md5cache"
	"github.com/kk-code-lab/s3gate/internal/provider"
)

// folderCreateAttempts bounds retry-with-lookup on folder creation races.
const folderCreateAttempts = 3

// Provider implements provider.Storage against the drive API.
type Provider struct {
	client   *Client
	cache    *md5cache.Cache
	readOnly bool

	// warned tracks keys whose metadata already fell back to the native
	// hash, so each key logs at most once per process.
	warned sync.Map
}

// Options configures the remote provider.
type Options struct {
	Client   *Client
	Cache    *md5cache.Cache
	ReadOnly bool
}

// New wires the provider to a drive client and the MD5 cache.
func New(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("remote: client required")
	}
	if opts.Cache == nil {
		return nil, errors.New("remote: md5 cache required")
	}
	return &Provider{client: opts.Client, cache: opts.Cache, readOnly: opts.ReadOnly}, nil
}

func (p *Provider) workspaceID() int64 { return p.client.workspaceID }

// mapErr translates client failures into the provider taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errRemoteNotFound):
		return provider.ErrNoSuchKey
	case isTransient(err):
		return fmt.Errorf("%w: %v", provider.ErrServiceUnavailable, err)
	default:
		return err
	}
}

// ListBuckets maps top-level workspace folders to buckets.
func (p *Provider) ListBuckets(ctx context.Context) ([]provider.Bucket, error) {
	entries, err := p.client.listChildren(ctx, 0)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]provider.Bucket, 0, len(entries))
	for _, ent := range entries {
		if ent.Type != "folder" {
			continue
		}
		created := ent.modTime()
		if created.IsZero() {
			created = time.Now().UTC().Truncate(time.Second)
		}
		out = append(out, provider.Bucket{Name: ent.Name, CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (p *Provider) resolveBucket(ctx context.Context, bucket string) (entry, error) {
	ent, err := p.client.findChild(ctx, 0, bucket)
	if err != nil {
		if errors.Is(err, errRemoteNotFound) {
			return entry{}, provider.ErrNoSuchBucket
		}
		return entry{}, mapErr(err)
	}
	if ent.Type != "folder" {
		return entry{}, provider.ErrNoSuchBucket
	}
	return ent, nil
}

// CreateBucket creates a top-level folder. A concurrent creation of the same
// folder resolves to the existing one and is treated as a conflict with the
// caller, matching BucketAlreadyOwnedByYou semantics.
func (p *Provider) CreateBucket(ctx context.Context, bucket string) (provider.Bucket, error) {
	if p.readOnly {
		return provider.Bucket{}, provider.ErrReadOnly
	}
	if _, err := p.client.findChild(ctx, 0, bucket); err == nil {
		return provider.Bucket{}, provider.ErrBucketExists
	} else if !errors.Is(err, errRemoteNotFound) {
		return provider.Bucket{}, mapErr(err)
	}
	if _, err := p.client.createFolder(ctx, 0, bucket); err != nil {
		if errors.Is(err, errRemoteConflict) {
			return provider.Bucket{}, provider.ErrBucketExists
		}
		return provider.Bucket{}, mapErr(err)
	}
	return provider.Bucket{Name: bucket, CreatedAt: time.Now().UTC()}, nil
}

// DeleteBucket removes the bucket folder when it holds no files, then purges
// the bucket's cache entries.
func (p *Provider) DeleteBucket(ctx context.Context, bucket string) error {
	if p.readOnly {
		return provider.ErrReadOnly
	}
	folder, err := p.resolveBucket(ctx, bucket)
	if err != nil {
		return err
	}
	empty, err := p.folderTreeEmpty(ctx, folder.ID)
	if err != nil {
		return mapErr(err)
	}
	if !empty {
		return provider.ErrBucketNotEmpty
	}
	if err := p.client.deleteEntries(ctx, []int64{folder.ID}); err != nil {
		return mapErr(err)
	}
	if _, err := p.cache.DeleteBucket(ctx, p.workspaceID(), bucket); err != nil {
		log.Printf("remote: cache purge failed bucket=%s: %v", bucket, err)
	}
	return nil
}

func (p *Provider) folderTreeEmpty(ctx context.Context, folderID int64) (bool, error) {
	stack := []int64{folderID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := p.client.listChildren(ctx, id)
		if err != nil {
			return false, err
		}
		for _, child := range children {
			if child.Type != "folder" {
				return false, nil
			}
			stack = append(stack, child.ID)
		}
	}
	return true, nil
}

// BucketExists probes the top-level folder.
func (p *Provider) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := p.resolveBucket(ctx, bucket)
	if err != nil {
		if errors.Is(err, provider.ErrNoSuchBucket) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ensureFolderPath resolves or creates the nested folders for a key's parent
// directories. Creation races are resolved by retry-with-lookup, bounded to
// three attempts per segment.
func (p *Provider) ensureFolderPath(ctx context.Context, parentID int64, segments []string) (int64, error) {
	for _, segment := range segments {
		var resolved entry
		op := func() error {
			ent, err := p.client.findChild(ctx, parentID, segment)
			if err == nil {
				resolved = ent
				return nil
			}
			if !errors.Is(err, errRemoteNotFound) {
				return backoff.Permanent(err)
			}
			ent, err = p.client.createFolder(ctx, parentID, segment)
			if err == nil {
				resolved = ent
				return nil
			}
			if errors.Is(err, errRemoteConflict) {
				// Another writer created it first; look it up again.
				return err
			}
			return backoff.Permanent(err)
		}
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), folderCreateAttempts-1)
		if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
			if errors.Is(err, errRemoteConflict) {
				return 0, fmt.Errorf("%w: folder race on %q", provider.ErrServiceUnavailable, segment)
			}
			return 0, mapErr(err)
		}
		if resolved.Type != "folder" {
			return 0, fmt.Errorf("remote: %q is a file, not a folder", segment)
		}
		parentID = resolved.ID
	}
	return parentID, nil
}

// resolveFile walks the key's folder segments and returns the file entry.
func (p *Provider) resolveFile(ctx context.Context, bucket, key string) (entry, error) {
	folder, err := p.resolveBucket(ctx, bucket)
	if err != nil {
		return entry{}, err
	}
	segments := strings.Split(key, "/")
	parentID := folder.ID
	for _, segment := range segments[:len(segments)-1] {
		ent, err := p.client.findChild(ctx, parentID, segment)
		if err != nil {
			if errors.Is(err, errRemoteNotFound) {
				return entry{}, provider.ErrNoSuchKey
			}
			return entry{}, mapErr(err)
		}
		if ent.Type != "folder" {
			return entry{}, provider.ErrNoSuchKey
		}
		parentID = ent.ID
	}
	ent, err := p.client.findChild(ctx, parentID, segments[len(segments)-1])
	if err != nil {
		if errors.Is(err, errRemoteNotFound) {
			return entry{}, provider.ErrNoSuchKey
		}
		return entry{}, mapErr(err)
	}
	if ent.Type == "folder" {
		return entry{}, provider.ErrNoSuchKey
	}
	return ent, nil
}

// PutObject streams the body to the drive API while hashing MD5 and blake3.
// The blake3 sum cross-checks the hash the server reports on commit; the MD5
// is persisted to the cache before the upload is reported successful.
func (p *Provider) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts provider.PutOptions) (provider.ObjectInfo, error) {
	if p.readOnly {
		return provider.ObjectInfo{}, provider.ErrReadOnly
	}
	folder, err := p.resolveBucket(ctx, bucket)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	segments := strings.Split(key, "/")
	parentID, err := p.ensureFolderPath(ctx, folder.ID, segments[:len(segments)-1])
	if err != nil {
		return provider.ObjectInfo{}, err
	}

	md5Hasher := md5.New()
	nativeHasher := blake3.New()
	tee := io.TeeReader(body, io.MultiWriter(md5Hasher, nativeHasher))
	ent, err := p.client.upload(ctx, parentID, segments[len(segments)-1], opts.ContentType, tee)
	if err != nil {
		return provider.ObjectInfo{}, mapErr(err)
	}
	md5Sum := md5Hasher.Sum(nil)
	if len(opts.ExpectedMD5) > 0 && !hashEqual(md5Sum, opts.ExpectedMD5) {
		_ = p.client.deleteEntries(ctx, []int64{ent.ID})
		return provider.ObjectInfo{}, provider.ErrBadDigest
	}
	if ent.Hash != "" {
		native := hex.EncodeToString(nativeHasher.Sum(nil))
		if !strings.EqualFold(ent.Hash, native) {
			_ = p.client.deleteEntries(ctx, []int64{ent.ID})
			return provider.ObjectInfo{}, fmt.Errorf("remote: upload hash mismatch for %s/%s", bucket, key)
		}
	}

	md5Hex := hex.EncodeToString(md5Sum)
	cacheErr := p.cache.Upsert(ctx, md5cache.Entry{
		WorkspaceID: p.workspaceID(),
		Bucket:      bucket,
		Key:         key,
		MD5:         md5Hex,
		Size:        ent.Size,
		RemoteID:    remoteID(ent.ID),
	})
	if cacheErr != nil {
		// Upload stands; metadata degrades to the native-hash fallback.
		log.Printf("remote: cache write failed bucket=%s key=%s: %v", bucket, key, cacheErr)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = provider.DefaultContentType
	}
	modified := ent.modTime()
	if modified.IsZero() {
		modified = time.Now().UTC().Truncate(time.Second)
	}
	return provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         ent.Size,
		ContentType:  contentType,
		ETag:         md5Hex,
		LastModified: modified,
		UserMetadata: opts.UserMetadata,
	}, nil
}

func remoteID(id int64) string { return fmt.Sprintf("%d", id) }

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// objectInfo builds metadata for a resolved file, preferring the cached MD5
// when its size still matches the remote entry. A stale entry is evicted and
// the native hash is returned with the fallback flag set.
func (p *Provider) objectInfo(ctx context.Context, bucket, key string, ent entry) provider.ObjectInfo {
	info := provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         ent.Size,
		ContentType:  ent.Mime,
		LastModified: ent.modTime(),
	}
	if info.ContentType == "" {
		info.ContentType = provider.DefaultContentType
	}
	cached, err := p.cache.Get(ctx, p.workspaceID(), bucket, key)
	if err == nil {
		if cached.Size == ent.Size {
			info.ETag = cached.MD5
			if info.LastModified.IsZero() {
				// The upload time recorded with the MD5 stands in for an
				// undated remote entry.
				info.LastModified = cached.UpdatedAt.UTC().Truncate(time.Second)
			}
			return info
		}
		// Remote content changed behind our back; drop the stale entry.
		if delErr := p.cache.Delete(ctx, p.workspaceID(), bucket, key); delErr != nil {
			log.Printf("remote: stale cache evict failed bucket=%s key=%s: %v", bucket, key, delErr)
		}
	} else if !errors.Is(err, md5cache.ErrNotFound) {
		log.Printf("remote: cache read failed bucket=%s key=%s: %v", bucket, key, err)
	}
	info.ETag = ent.Hash
	info.HashFallback = true
	if info.LastModified.IsZero() {
		info.LastModified = time.Now().UTC().Truncate(time.Second)
	}
	if _, loaded := p.warned.LoadOrStore(bucket+"/"+key, struct{}{}); !loaded {
		log.Printf("remote: no cached md5 for bucket=%s key=%s, serving native hash", bucket, key)
	}
	return info
}

// HeadObject returns metadata, cache-first.
func (p *Provider) HeadObject(ctx context.Context, bucket, key string) (provider.ObjectInfo, error) {
	ent, err := p.resolveFile(ctx, bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	return p.objectInfo(ctx, bucket, key, ent), nil
}

// GetObject streams the file content, honoring a byte range.
func (p *Provider) GetObject(ctx context.Context, bucket, key string, offset, length int64) (provider.ObjectInfo, io.ReadCloser, error) {
	ent, err := p.resolveFile(ctx, bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, nil, err
	}
	info := p.objectInfo(ctx, bucket, key, ent)
	body, err := p.client.download(ctx, ent.ID, offset, length)
	if err != nil {
		return provider.ObjectInfo{}, nil, mapErr(err)
	}
	return info, body, nil
}

// DeleteObject deletes remotely first, then drops the cache entry; a cache
// entry for a missing remote file is harmless, the reverse is not.
func (p *Provider) DeleteObject(ctx context.Context, bucket, key string) error {
	if p.readOnly {
		return provider.ErrReadOnly
	}
	if _, err := p.resolveBucket(ctx, bucket); err != nil {
		return err
	}
	ent, err := p.resolveFile(ctx, bucket, key)
	if err == nil {
		if err := p.client.deleteEntries(ctx, []int64{ent.ID}); err != nil && !errors.Is(err, errRemoteNotFound) {
			return mapErr(err)
		}
	} else if !errors.Is(err, provider.ErrNoSuchKey) {
		return err
	}
	if err := p.cache.Delete(ctx, p.workspaceID(), bucket, key); err != nil {
		log.Printf("remote: cache delete failed bucket=%s key=%s: %v", bucket, key, err)
	}
	return nil
}

// DeleteObjects deletes each key, reporting per-key outcomes in input order.
func (p *Provider) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]provider.DeleteOutcome, error) {
	if p.readOnly {
		return nil, provider.ErrReadOnly
	}
	if _, err := p.resolveBucket(ctx, bucket); err != nil {
		return nil, err
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

// CopyObject prefers a server-side copy when the source MD5 is already
// cached; otherwise it streams through the gateway to produce a fresh MD5.
// Either path writes a cache entry at the destination.
func (p *Provider) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (provider.ObjectInfo, error) {
	if p.readOnly {
		return provider.ObjectInfo{}, provider.ErrReadOnly
	}
	srcEnt, err := p.resolveFile(ctx, srcBucket, srcKey)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	if srcBucket == dstBucket && srcKey == dstKey {
		return p.objectInfo(ctx, srcBucket, srcKey, srcEnt), nil
	}
	dstFolder, err := p.resolveBucket(ctx, dstBucket)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	segments := strings.Split(dstKey, "/")
	parentID, err := p.ensureFolderPath(ctx, dstFolder.ID, segments[:len(segments)-1])
	if err != nil {
		return provider.ObjectInfo{}, err
	}

	cached, cacheErr := p.cache.Get(ctx, p.workspaceID(), srcBucket, srcKey)
	if cacheErr == nil && cached.Size == srcEnt.Size {
		dstEnt, err := p.client.duplicate(ctx, srcEnt.ID, parentID, segments[len(segments)-1])
		if err == nil {
			if err := p.cache.Upsert(ctx, md5cache.Entry{
				WorkspaceID: p.workspaceID(),
				Bucket:      dstBucket,
				Key:         dstKey,
				MD5:         cached.MD5,
				Size:        dstEnt.Size,
				RemoteID:    remoteID(dstEnt.ID),
			}); err != nil {
				log.Printf("remote: cache write failed bucket=%s key=%s: %v", dstBucket, dstKey, err)
			}
			modified := dstEnt.modTime()
			if modified.IsZero() {
				modified = time.Now().UTC().Truncate(time.Second)
			}
			return provider.ObjectInfo{
				Bucket:       dstBucket,
				Key:          dstKey,
				Size:         dstEnt.Size,
				ContentType:  srcEnt.Mime,
				ETag:         cached.MD5,
				LastModified: modified,
			}, nil
		}
		log.Printf("remote: server-side copy unavailable, streaming %s/%s: %v", srcBucket, srcKey, err)
	}

	body, err := p.client.download(ctx, srcEnt.ID, 0, -1)
	if err != nil {
		return provider.ObjectInfo{}, mapErr(err)
	}
	defer func() { _ = body.Close() }()
	return p.PutObject(ctx, dstBucket, dstKey, body, provider.PutOptions{ContentType: srcEnt.Mime})
}

// ListObjects walks the bucket's folder tree and returns keys after afterKey
// in lexicographic order.
func (p *Provider) ListObjects(ctx context.Context, bucket, prefix, afterKey string, limit int) ([]provider.ObjectInfo, bool, error) {
	folder, err := p.resolveBucket(ctx, bucket)
	if err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = 1000
	}
	files, err := p.walkFiles(ctx, folder.ID, "")
	if err != nil {
		return nil, false, mapErr(err)
	}
	keys := make([]string, 0, len(files))
	byKey := make(map[string]entry, len(files))
	for key, ent := range files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if afterKey != "" && key <= afterKey {
			continue
		}
		keys = append(keys, key)
		byKey[key] = ent
	}
	sort.Strings(keys)
	truncated := false
	if len(keys) > limit {
		keys = keys[:limit]
		truncated = true
	}
	out := make([]provider.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		out = append(out, p.objectInfo(ctx, bucket, key, byKey[key]))
	}
	return out, truncated, nil
}

func (p *Provider) walkFiles(ctx context.Context, folderID int64, base string) (map[string]entry, error) {
	out := make(map[string]entry)
	type frame struct {
		id   int64
		path string
	}
	stack := []frame{{id: folderID, path: base}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := p.client.listChildren(ctx, top.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			path := child.Name
			if top.path != "" {
				path = top.path + "/" + child.Name
			}
			if child.Type == "folder" {
				stack = append(stack, frame{id: child.ID, path: path})
				continue
			}
			out[path] = child
		}
	}
	return out, nil
}

// MigrateReport summarizes a cache migration pass.
type MigrateReport struct {
	Scanned int
	Written int
	Skipped int
}

// MigrateCache walks the remote tree and fills missing cache entries by
// downloading each file and computing its MD5. With dryRun it only counts.
// An empty bucket migrates every bucket in the workspace.
func (p *Provider) MigrateCache(ctx context.Context, bucket string, dryRun bool) (MigrateReport, error) {
	var report MigrateReport
	buckets := []string{bucket}
	if bucket == "" {
		all, err := p.ListBuckets(ctx)
		if err != nil {
			return report, err
		}
		buckets = buckets[:0]
		for _, b := range all {
			buckets = append(buckets, b.Name)
		}
	}
	for _, name := range buckets {
		folder, err := p.resolveBucket(ctx, name)
		if err != nil {
			return report, err
		}
		files, err := p.walkFiles(ctx, folder.ID, "")
		if err != nil {
			return report, mapErr(err)
		}
		keys := make([]string, 0, len(files))
		for key := range files {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			ent := files[key]
			report.Scanned++
			cached, err := p.cache.Get(ctx, p.workspaceID(), name, key)
			if err == nil && cached.Size == ent.Size {
				report.Skipped++
				continue
			}
			if err != nil && !errors.Is(err, md5cache.ErrNotFound) {
				return report, err
			}
			if dryRun {
				report.Written++
				continue
			}
			md5Hex, size, err := p.streamMD5(ctx, ent.ID)
			if err != nil {
				return report, mapErr(err)
			}
			if err := p.cache.Upsert(ctx, md5cache.Entry{
				WorkspaceID: p.workspaceID(),
				Bucket:      name,
				Key:         key,
				MD5:         md5Hex,
				Size:        size,
				RemoteID:    remoteID(ent.ID),
			}); err != nil {
				return report, err
			}
			report.Written++
		}
	}
	return report, nil
}

func (p *Provider) streamMD5(ctx context.Context, id int64) (string, int64, error) {
	body, err := p.client.download(ctx, id, 0, -1)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = body.Close() }()
	var hasher hash.Hash = md5.New()
	size, err := io.Copy(hasher, body)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}
