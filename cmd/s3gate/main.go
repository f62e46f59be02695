package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"

	"github.com/kk-code-lab/s3gate/internal/md5cache"
	"github.com/kk-code-lab/s3gate/internal/provider"
	"github.com/kk-code-lab/s3gate/internal/provider/local"
	"github.com/kk-code-lab/s3gate/internal/provider/remote"
	"github.com/kk-code-lab/s3gate/internal/s3"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	addr := flag.String("addr", ":9000", "HTTP listen address")
	backend := flag.String("backend", "local", "Storage backend: local|remote")
	dataDir := flag.String("data-dir", "./data", "Local backend data directory")
	accessKey := flag.String("access-key", "", "S3 access key")
	secretKey := flag.String("secret-key", "", "S3 secret key")
	region := flag.String("region", "us-east-1", "S3 region")
	noAuth := flag.Bool("no-auth", false, "Disable request authentication")
	virtualHost := flag.Bool("virtual-host", false, "Resolve bucket names from the Host header")
	readOnly := flag.Bool("read-only", false, "Reject writes at the provider")
	remoteURL := flag.String("remote-url", "", "Remote backend API base URL")
	apiKey := flag.String("api-key", "", "Remote backend API key")
	workspace := flag.Int64("workspace", 0, "Remote backend workspace id")
	cachePath := flag.String("cache-path", "", "MD5 cache database path (default ~/.config/s3gate/md5cache.db)")
	mode := flag.String("mode", "server", "Mode: server|cache-stats|cache-cleanup|cache-vacuum|cache-migrate")
	bucket := flag.String("bucket", "", "Bucket scope for cache-cleanup/cache-migrate (empty means all)")
	dryRun := flag.Bool("dry-run", false, "cache-migrate: count missing entries without writing")
	flag.Parse()

	if *showVersion {
		fmt.Printf("s3gate %s\n", version)
		return
	}
	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "unknown arguments:", flag.Args())
		os.Exit(2)
	}

	if err := run(config{
		addr:        *addr,
		backend:     *backend,
		dataDir:     *dataDir,
		accessKey:   *accessKey,
		secretKey:   *secretKey,
		region:      *region,
		noAuth:      *noAuth,
		virtualHost: *virtualHost,
		readOnly:    *readOnly,
		remoteURL:   *remoteURL,
		apiKey:      *apiKey,
		workspace:   *workspace,
		cachePath:   *cachePath,
		mode:        *mode,
		bucket:      *bucket,
		dryRun:      *dryRun,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "s3gate: %v\n", err)
		os.Exit(1)
	}
}

type config struct {
	addr        string
	backend     string
	dataDir     string
	accessKey   string
	secretKey   string
	region      string
	noAuth      bool
	virtualHost bool
	readOnly    bool
	remoteURL   string
	apiKey      string
	workspace   int64
	cachePath   string
	mode        string
	bucket      string
	dryRun      bool
}

func run(cfg config) error {
	switch cfg.mode {
	case "server":
		return runServer(cfg)
	case "cache-stats", "cache-cleanup", "cache-vacuum", "cache-migrate":
		return runCacheOp(cfg)
	default:
		return fmt.Errorf("unknown mode %q", cfg.mode)
	}
}

func runServer(cfg config) error {
	store, closeFn, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	var auth *s3.AuthConfig
	if !cfg.noAuth {
		if cfg.accessKey == "" || cfg.secretKey == "" {
			return fmt.Errorf("access-key and secret-key required (or pass -no-auth)")
		}
		auth = &s3.AuthConfig{
			AccessKey:     cfg.accessKey,
			SecretKey:     cfg.secretKey,
			Region:        cfg.region,
			VirtualHosted: cfg.virtualHost,
		}
	}

	handler := &s3.Handler{
		Provider:      store,
		Auth:          auth,
		VirtualHosted: cfg.virtualHost,
	}
	fmt.Printf("s3gate %s listening on %s (backend=%s)\n", version, cfg.addr, cfg.backend)
	return http.ListenAndServe(cfg.addr, s3.LoggingMiddleware(handler))
}

func buildProvider(cfg config) (provider.Storage, func(), error) {
	switch cfg.backend {
	case "local":
		p, err := local.New(local.Options{Root: cfg.dataDir, ReadOnly: cfg.readOnly})
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	case "remote":
		p, cache, err := buildRemote(cfg)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { _ = cache.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
}

func buildRemote(cfg config) (*remote.Provider, *md5cache.Cache, error) {
	if cfg.remoteURL == "" || cfg.apiKey == "" {
		return nil, nil, fmt.Errorf("remote backend requires -remote-url and -api-key")
	}
	cache, err := openCache(cfg.cachePath)
	if err != nil {
		return nil, nil, err
	}
	client, err := remote.NewClient(remote.ClientOptions{
		BaseURL:     cfg.remoteURL,
		APIKey:      cfg.apiKey,
		WorkspaceID: cfg.workspace,
	})
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}
	p, err := remote.New(remote.Options{Client: client, Cache: cache, ReadOnly: cfg.readOnly})
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}
	return p, cache, nil
}

func openCache(path string) (*md5cache.Cache, error) {
	if path == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "s3gate", "md5cache.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return md5cache.Open(path)
}

func runCacheOp(cfg config) error {
	ctx := context.Background()
	cache, err := openCache(cfg.cachePath)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	switch cfg.mode {
	case "cache-stats":
		workspace := cfg.workspace
		if workspace == 0 {
			workspace = -1
		}
		stats, err := cache.AggregateStats(ctx, workspace)
		if err != nil {
			return err
		}
		fmt.Printf("entries=%d total_size=%s\n", stats.Entries, humanize.Bytes(uint64(stats.TotalSize)))
		if !stats.Oldest.IsZero() {
			fmt.Printf("oldest=%s newest=%s\n", stats.Oldest.Format(time.RFC3339), stats.Newest.Format(time.RFC3339))
		}
		return nil
	case "cache-cleanup":
		if cfg.workspace == 0 {
			return fmt.Errorf("cache-cleanup requires -workspace")
		}
		var removed int64
		if cfg.bucket != "" {
			removed, err = cache.DeleteBucket(ctx, cfg.workspace, cfg.bucket)
		} else {
			removed, err = cache.DeleteWorkspace(ctx, cfg.workspace)
		}
		if err != nil {
			return err
		}
		fmt.Printf("removed=%d\n", removed)
		return nil
	case "cache-vacuum":
		before, after, err := cache.Vacuum(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("before=%s after=%s\n", humanize.Bytes(uint64(before)), humanize.Bytes(uint64(after)))
		return nil
	case "cache-migrate":
		client, err := remote.NewClient(remote.ClientOptions{
			BaseURL:     cfg.remoteURL,
			APIKey:      cfg.apiKey,
			WorkspaceID: cfg.workspace,
		})
		if err != nil {
			return err
		}
		p, err := remote.New(remote.Options{Client: client, Cache: cache})
		if err != nil {
			return err
		}
		report, err := p.MigrateCache(ctx, cfg.bucket, cfg.dryRun)
		if err != nil {
			return err
		}
		fmt.Printf("scanned=%d written=%d skipped=%d dry_run=%v\n", report.Scanned, report.Written, report.Skipped, cfg.dryRun)
		return nil
	}
	return fmt.Errorf("unknown mode %q", cfg.mode)
}
