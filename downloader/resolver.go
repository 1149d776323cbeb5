package downloader

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/copernicus-downloader/service"
)

// RecordDir is the directory of the markers, in the output directory
const RecordDir = ".downloaded"

// Resolution is where a product must be stored and whether it is already downloaded
type Resolution struct {
	Path       string
	RecordPath string
	Downloaded bool
}

// PathResolver decides where a product is stored and whether it must be downloaded
type PathResolver interface {
	// Resolve returns the path of the product. Downloaded is true if the product is already on disk.
	Resolve(product *common.Product, settings Settings) (Resolution, error)
	// WriteRecord records that the product has been downloaded
	WriteRecord(resolution Resolution, product *common.Product) error
}

// RecordResolver implements PathResolver with a marker per product in <OutputDir>/.downloaded,
// named by the md5 of the remote location of the product and containing it.
type RecordResolver struct{}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// sanitize returns a name that can be used as a file name
func sanitize(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		return ""
	}
	return name
}

// RecordPath returns the path of the marker of the product
func RecordPath(outputDir string, product *common.Product) string {
	h := md5.Sum([]byte(product.RemoteLocation))
	return filepath.Join(outputDir, RecordDir, hex.EncodeToString(h[:]))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// productDir returns the directory of the product according to the layout
func productDir(settings Settings, title string) string {
	if settings.Layout == "" {
		return settings.OutputDir
	}
	info, err := common.Info(title)
	if err != nil {
		return settings.OutputDir
	}
	return filepath.Join(settings.OutputDir, common.FormatBrackets(settings.Layout, info))
}

// Resolve implements PathResolver
func (RecordResolver) Resolve(product *common.Product, settings Settings) (Resolution, error) {
	title := sanitize(product.Title())
	if title == "" {
		title = sanitize(product.UUID())
	}
	if title == "" {
		return Resolution{}, fmt.Errorf("Resolve: product has neither title nor uuid")
	}

	res := Resolution{RecordPath: RecordPath(settings.OutputDir, product)}

	// Product already pointing to a local file
	if local, ok := product.LocalPath(); ok && exists(local) {
		res.Path, res.Downloaded = local, true
		return res, nil
	}

	dir := productDir(settings, title)
	archive := filepath.Join(dir, title+"."+string(service.ExtensionZIP))
	extracted := filepath.Join(dir, title)
	res.Path = archive

	record, err := os.ReadFile(res.RecordPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, fmt.Errorf("Resolve.ReadRecord: %w", err)
	}

	archiveExists, extractedExists := exists(archive), exists(extracted)
	if string(record) != product.RemoteLocation || (!archiveExists && !extractedExists) {
		// Stale record: the product must be downloaded again
		if err := os.Remove(res.RecordPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("Resolve.RemoveRecord: %w", err)
		}
		return res, nil
	}

	res.Downloaded = true
	if extractedExists && (settings.Extract || !archiveExists) {
		res.Path = extracted
	}
	return res, nil
}

// WriteRecord implements PathResolver
func (RecordResolver) WriteRecord(resolution Resolution, product *common.Product) error {
	if resolution.RecordPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(resolution.RecordPath), 0755); err != nil {
		return fmt.Errorf("WriteRecord.MkdirAll: %w", err)
	}
	if err := os.WriteFile(resolution.RecordPath, []byte(product.RemoteLocation), 0644); err != nil {
		return fmt.Errorf("WriteRecord: %w", err)
	}
	return nil
}
