package downloader

import (
	"os"
	"path/filepath"
	"time"

	"github.com/airbusgeo/copernicus-downloader/interface/provider"
)

// Config of the Downloader. It is never modified once the Downloader is created.
type Config struct {
	// OutputsPrefix is the directory of the downloaded products (default: <tmp>/copernicus-downloader)
	OutputsPrefix string
	// Extract the archives once downloaded
	Extract bool
	// Layout is an optional sub-directory of the products, formatted with the information of the product name
	// (e.g. {MISSION_ID}/{YEAR}/{MONTH}, see common.Info)
	Layout string
	// DefaultWaitInterval between two checks of the offline products
	DefaultWaitInterval time.Duration
	// DefaultTimeout after which the products still offline are abandoned
	DefaultTimeout time.Duration
}

// Options of a download, overriding the Config. All are optional.
type Options struct {
	OutputDir   string
	Extract     *bool
	MaxAttempts int
	Checksum    *bool
	Concurrency int
	FailFast    bool
	// Progress of the transfers, in bytes
	Progress provider.ProgressSink
	// ExtractProgress of the extractions, in entries (default: none)
	ExtractProgress provider.ProgressSink
}

// Settings are the effective parameters of a download
type Settings struct {
	OutputDir string
	Extract   bool
	Layout    string
	Transfer  provider.TransferOptions
	// ExtractProgress is never nil
	ExtractProgress provider.ProgressSink
}

// With returns the settings of the config overridden by the options
func (c Config) With(opts Options) Settings {
	s := Settings{
		OutputDir:       c.OutputsPrefix,
		Extract:         c.Extract,
		Layout:          c.Layout,
		ExtractProgress: opts.ExtractProgress,
		Transfer: provider.TransferOptions{
			MaxAttempts: opts.MaxAttempts,
			Concurrency: opts.Concurrency,
			Checksum:    true,
			FailFast:    opts.FailFast,
			Progress:    opts.Progress,
		},
	}
	if opts.OutputDir != "" {
		s.OutputDir = opts.OutputDir
	}
	if s.OutputDir == "" {
		s.OutputDir = filepath.Join(os.TempDir(), "copernicus-downloader")
	}
	if abs, err := filepath.Abs(s.OutputDir); err == nil {
		s.OutputDir = abs
	}
	if opts.Extract != nil {
		s.Extract = *opts.Extract
	}
	if opts.Checksum != nil {
		s.Transfer.Checksum = *opts.Checksum
	}
	if s.ExtractProgress == nil {
		s.ExtractProgress = provider.NopProgress{}
	}
	s.Transfer = s.Transfer.WithDefaults()
	return s
}
