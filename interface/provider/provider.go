package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSkipped is recorded for the products that were not transferred because of a previous failure (FailFast)
var ErrSkipped = errors.New("skipped after a previous failure")

// ErrProductNotFound is an error returned when a product is not found in the catalog
type ErrProductNotFound struct {
	Product string
}

func (e ErrProductNotFound) Error() string {
	return fmt.Sprintf("Product not found: %s", e.Product)
}

// TransferOptions are the tuning options of a bulk transfer
type TransferOptions struct {
	// MaxAttempts of each transfer (default: 3)
	MaxAttempts int
	// Concurrency is the number of parallel transfers (default: 2)
	Concurrency int
	// Checksum verifies the integrity of the transferred files
	Checksum bool
	// FailFast stops starting new transfers after the first failure
	FailFast bool
	// Progress receives the progress of the transfers (optional)
	Progress ProgressSink
}

const (
	DefaultMaxAttempts = 3
	DefaultConcurrency = 2
)

// WithDefaults returns the options with default values for the unset ones
func (o TransferOptions) WithDefaults() TransferOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Progress == nil {
		o.Progress = NopProgress{}
	}
	return o
}

// TransferInfo describes a product handled by a transfer
type TransferInfo struct {
	UUID  string
	Title string
	// Path where the client wrote the product (empty if not transferred)
	Path   string
	Size   int64
	Online bool
}

// TransferResult partitions the uuids of a bulk transfer
type TransferResult struct {
	// Succeeded: transferred products
	Succeeded map[string]TransferInfo
	// Staged: retrieval from the long-term archive was ordered but not completed in time
	Staged map[string]TransferInfo
	// Failed: products that could not be transferred
	Failed map[string]error
}

// NewTransferResult returns an empty TransferResult
func NewTransferResult() TransferResult {
	return TransferResult{
		Succeeded: map[string]TransferInfo{},
		Staged:    map[string]TransferInfo{},
		Failed:    map[string]error{},
	}
}

// RetrievalClient is the interface of a service able to transfer products, some of them being
// stored in a long-term archive that must be staged before the transfer.
type RetrievalClient interface {
	// IsOnline returns true if the product can be transferred immediately
	IsOnline(ctx context.Context, uuid string) (bool, error)

	// Transfer downloads the products in outputDir.
	// Offline products are ordered, then polled every retryDelay until timeout.
	// The error is only returned for transport-level failures that prevent the whole transfer.
	Transfer(ctx context.Context, uuids []string, outputDir string, retryDelay, timeout time.Duration, opts TransferOptions) (TransferResult, error)
}
