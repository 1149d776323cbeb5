package downloader

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/copernicus-downloader/interface/provider"
	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/airbusgeo/copernicus-downloader/service/log"
	"github.com/mholt/archiver"
)

// ResultFinalizer prepares a retrieved product for the user
type ResultFinalizer interface {
	// Finalize returns the final path of the product
	Finalize(ctx context.Context, path string, extract bool, sink provider.ProgressSink) (string, error)
}

// Finalizer implements ResultFinalizer. If extraction is enabled, archives (zip, tar, tar.gz)
// are extracted in a directory next to them, named after the archive without its extension.
// The archive is kept.
type Finalizer struct{}

// walker returns the archiver able to read the file or nil if it's not a supported archive
func walker(path string) archiver.Walker {
	switch service.ArchiveExtension(path) {
	case service.ExtensionZIP:
		return archiver.NewZip()
	case service.ExtensionTAR:
		return archiver.NewTar()
	case service.ExtensionTARGZ, service.ExtensionTGZ:
		return archiver.NewTarGz()
	}
	return nil
}

// entryName returns the path of the file in the archive
func entryName(f archiver.File) string {
	switch h := f.Header.(type) {
	case zip.FileHeader:
		return h.Name
	case *tar.Header:
		return h.Name
	}
	return f.Name()
}

// Finalize implements ResultFinalizer
func (Finalizer) Finalize(ctx context.Context, path string, extract bool, sink provider.ProgressSink) (string, error) {
	w := walker(path)
	if !extract || w == nil {
		return path, nil
	}
	if sink == nil {
		sink = provider.NopProgress{}
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("Finalize: %w", err)
	}
	if info.IsDir() {
		return path, nil
	}

	// Count the entries to report the progress
	var total int64
	if err := w.Walk(path, func(f archiver.File) error {
		total++
		return nil
	}); err != nil {
		return "", fmt.Errorf("Finalize.Walk[%s]: %w", path, err)
	}

	target := service.StripArchiveExt(path)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", fmt.Errorf("Finalize.MkdirAll: %w", err)
	}

	log.Logger(ctx).Sugar().Infof("Extracting %d files from %s", total, path)
	name := filepath.Base(path)
	var current int64
	err = w.Walk(path, func(f archiver.File) error {
		if err := extractFile(f, target); err != nil {
			return err
		}
		current++
		sink.Progress(ctx, name, current, total)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("Finalize.Extract[%s]: %w", path, err)
	}
	return target, nil
}

// extractFile writes the file of the archive in the target directory
func extractFile(f archiver.File, target string) error {
	dst := filepath.Join(target, filepath.FromSlash(entryName(f)))
	if dst != target && !strings.HasPrefix(dst, target+string(os.PathSeparator)) {
		return fmt.Errorf("illegal file path in archive: %s", entryName(f))
	}

	switch {
	case f.IsDir():
		return os.MkdirAll(dst, 0755)
	case !f.Mode().IsRegular():
		// Links and special files are not extracted
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		return fmt.Errorf("%s: %w", dst, err)
	}
	return out.Close()
}
