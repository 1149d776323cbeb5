package downloader

import "github.com/airbusgeo/copernicus-downloader/common"

// ProductDownloadState is the bookkeeping of a product during one call of DownloadAll
type ProductDownloadState struct {
	// UUID of the product in the retrieval service
	UUID string
	// Product requested by the caller. Its location is updated once finalized.
	Product *common.Product
	// ResolvedPath is where the product must be on the local filesystem (empty if unknown)
	ResolvedPath string
	// RecordPath is the path of the marker recording that the product was downloaded (empty if unknown)
	RecordPath string
	// NeedsDownload is decided once, during the preparation
	NeedsDownload bool
	// RetrievedThisRun is true if the retrieval client transferred the product during this call
	RetrievedThisRun bool
}

func newState(product *common.Product) *ProductDownloadState {
	return &ProductDownloadState{UUID: product.UUID(), Product: product}
}

// reused returns true if the product is already on disk
func (s *ProductDownloadState) reused() bool {
	return !s.NeedsDownload && s.ResolvedPath != ""
}
