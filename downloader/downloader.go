package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/copernicus-downloader/interface/provider"
	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/airbusgeo/copernicus-downloader/service/log"
)

// Downloader downloads products with a RetrievalClient, reusing the products already downloaded
type Downloader struct {
	client    provider.RetrievalClient
	resolver  PathResolver
	finalizer ResultFinalizer
	config    Config
}

// Option of the Downloader
type Option func(d *Downloader)

// WithResolver replaces the default RecordResolver
func WithResolver(r PathResolver) Option {
	return func(d *Downloader) { d.resolver = r }
}

// WithFinalizer replaces the default Finalizer
func WithFinalizer(f ResultFinalizer) Option {
	return func(d *Downloader) { d.finalizer = f }
}

// NewDownloader creates a new Downloader
func NewDownloader(client provider.RetrievalClient, config Config, options ...Option) *Downloader {
	d := &Downloader{
		client:    client,
		resolver:  RecordResolver{},
		finalizer: Finalizer{},
		config:    config,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// Config returns the configuration of the downloader
func (d *Downloader) Config() Config {
	return d.config
}

// Download downloads the product and returns its local path.
// Returns ErrNotAvailable if the product cannot be retrieved before timeout.
func (d *Downloader) Download(ctx context.Context, product *common.Product, waitInterval, timeout time.Duration, opts Options) (string, error) {
	paths, err := d.DownloadAll(ctx, []*common.Product{product}, waitInterval, timeout, opts)
	if err != nil {
		return "", fmt.Errorf("Download.%w", err)
	}
	if len(paths) == 0 {
		return "", service.ErrNotAvailable{Product: product.ID, Status: product.StorageStatus.String()}
	}
	return paths[0], nil
}

// DownloadAll downloads the products and returns their local paths, in the same order.
// The products that cannot be retrieved (offline after timeout or failed) are absent from the result.
// Offline products are checked every waitInterval until timeout (Config defaults if zero).
// The location of the products is updated with the local path.
func (d *Downloader) DownloadAll(ctx context.Context, products []*common.Product, waitInterval, timeout time.Duration, opts Options) ([]string, error) {
	settings := d.config.With(opts)
	if waitInterval <= 0 {
		waitInterval = d.config.DefaultWaitInterval
	}
	if timeout <= 0 {
		timeout = d.config.DefaultTimeout
	}

	states := d.prepare(ctx, products, settings)

	var result provider.TransferResult
	if uuids := pendingUUIDs(states); len(uuids) > 0 {
		log.Logger(ctx).Sugar().Infof("Downloading %d product(s) in %s", len(uuids), settings.OutputDir)
		var err error
		result, err = d.client.Transfer(ctx, uuids, settings.OutputDir, waitInterval, timeout, settings.Transfer)
		if err != nil {
			return nil, fmt.Errorf("DownloadAll.%w", service.MakeRequestError(err))
		}
		d.reconcile(ctx, states, result)
	}

	paths := d.finalize(ctx, states, settings)

	var reused, retrieved int
	for _, s := range states {
		if s.reused() {
			reused++
		} else if s.RetrievedThisRun {
			retrieved++
		}
	}
	log.Logger(ctx).Sugar().Infof("%d product(s) available: %d reused, %d retrieved, %d staged, %d failed",
		len(paths), reused, retrieved, len(result.Staged), len(result.Failed))
	return paths, nil
}

// prepare creates the state of each product and updates the location of the products already downloaded
func (d *Downloader) prepare(ctx context.Context, products []*common.Product, settings Settings) []*ProductDownloadState {
	states := make([]*ProductDownloadState, len(products))
	for i, product := range products {
		s := newState(product)
		states[i] = s

		res, err := d.resolver.Resolve(product, settings)
		if err != nil {
			log.Logger(ctx).Sugar().Errorf("%s: %v", product.ID, err)
			continue
		}
		s.ResolvedPath, s.RecordPath = res.Path, res.RecordPath
		s.NeedsDownload = !res.Downloaded
		if res.Downloaded && res.Path != "" {
			log.Logger(ctx).Sugar().Infof("%s: already downloaded in %s", product.ID, res.Path)
			product.SetLocalPath(res.Path)
		} else if s.NeedsDownload && s.UUID == "" {
			log.Logger(ctx).Sugar().Errorf("%s: no uuid, cannot be downloaded", product.ID)
			s.NeedsDownload = false
			s.ResolvedPath = ""
		}
	}
	return states
}

// pendingUUIDs returns the uuids of the products to download (without duplicates)
func pendingUUIDs(states []*ProductDownloadState) []string {
	var uuids []string
	seen := service.StringSet{}
	for _, s := range states {
		if s.NeedsDownload && !seen.Exists(s.UUID) {
			seen.Push(s.UUID)
			uuids = append(uuids, s.UUID)
		}
	}
	return uuids
}

// reconcile moves the products transferred by the client to their resolved path.
// A uuid requested several times is moved once, then copied to the other resolved paths.
func (d *Downloader) reconcile(ctx context.Context, states []*ProductDownloadState, result provider.TransferResult) {
	relocated := map[string]string{}
	for _, s := range states {
		if !s.NeedsDownload {
			continue
		}
		info, ok := result.Succeeded[s.UUID]
		if !ok {
			if _, staged := result.Staged[s.UUID]; staged {
				s.Product.StorageStatus = common.StatusSTAGING
				log.Logger(ctx).Sugar().Warnf("%s: still offline, retrieval from the long-term archive ordered", s.Product.ID)
			} else if err, failed := result.Failed[s.UUID]; failed {
				log.Logger(ctx).Sugar().Errorf("%s: %v", s.Product.ID, err)
			}
			continue
		}
		var err error
		if first, ok := relocated[s.UUID]; ok {
			err = duplicate(first, s.ResolvedPath)
		} else if err = relocate(info.Path, s.ResolvedPath); err == nil {
			relocated[s.UUID] = s.ResolvedPath
		}
		if err != nil {
			log.Logger(ctx).Sugar().Errorf("%s: %v", s.Product.ID, err)
			continue
		}
		s.RetrievedThisRun = true
	}
}

// finalize records, extracts and locates the products, returning their paths in the order of the request
func (d *Downloader) finalize(ctx context.Context, states []*ProductDownloadState, settings Settings) []string {
	var paths []string
	for _, s := range states {
		switch {
		case s.reused():
			paths = append(paths, s.ResolvedPath)
		case s.RetrievedThisRun:
			res := Resolution{Path: s.ResolvedPath, RecordPath: s.RecordPath}
			if err := d.resolver.WriteRecord(res, s.Product); err != nil {
				log.Logger(ctx).Sugar().Warnf("%s: %v", s.Product.ID, err)
			}
			path, err := d.finalizer.Finalize(ctx, s.ResolvedPath, settings.Extract, settings.ExtractProgress)
			if err != nil {
				log.Logger(ctx).Sugar().Errorf("%s: %v", s.Product.ID, err)
				continue
			}
			s.Product.SetLocalPath(path)
			s.Product.StorageStatus = common.StatusONLINE
			paths = append(paths, path)
		}
	}
	return paths
}

// relocate moves the file from src to dst, copying it if they are on different devices
func relocate(src, dst string) error {
	if src == "" || dst == "" {
		return fmt.Errorf("relocate: missing path (from '%s' to '%s')", src, dst)
	}
	if filepath.Clean(src) == filepath.Clean(dst) {
		if !exists(dst) {
			return fmt.Errorf("relocate: %s: %w", dst, os.ErrNotExist)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("relocate.MkdirAll: %w", err)
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("relocate: %w", err)
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("relocate.Copy: %w", err)
	}
	return os.Remove(src)
}

// duplicate copies a file already relocated to another resolved path
func duplicate(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("duplicate.MkdirAll: %w", err)
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("duplicate.Copy: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
