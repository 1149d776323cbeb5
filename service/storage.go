package service

import (
	"compress/flate"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/geocube/interface/storage"
	"github.com/airbusgeo/geocube/interface/storage/uri"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mholt/archiver"
)

// Extension of a product file
type Extension string

// Some supported extensions
const (
	NoExtension     Extension = ""
	ExtensionZIP    Extension = "zip"
	ExtensionTAR    Extension = "tar"
	ExtensionTARGZ  Extension = "tar.gz"
	ExtensionTGZ    Extension = "tgz"
	ExtensionSAFE   Extension = "SAFE" // Sentinel1/2 product directory
	ExtensionSEN3   Extension = "SEN3" // Sentinel3 product directory
	ExtensionNetCDF Extension = "nc"
)

// ArchiveExtensions are the extensions of the recognized archive containers (longest first)
var ArchiveExtensions = []Extension{ExtensionTARGZ, ExtensionTGZ, ExtensionTAR, ExtensionZIP}

// ArchiveExtension returns the container extension of the file or NoExtension if it is not a recognized archive
func ArchiveExtension(filePath string) Extension {
	lower := strings.ToLower(filePath)
	for _, ext := range ArchiveExtensions {
		if strings.HasSuffix(lower, "."+string(ext)) {
			return ext
		}
	}
	return NoExtension
}

// StripArchiveExt removes the container extension of the file, if any
func StripArchiveExt(filePath string) string {
	if ext := ArchiveExtension(filePath); ext != NoExtension {
		return filePath[:len(filePath)-len(ext)-1]
	}
	return filePath
}

func WithExt(filePath string, ext Extension) string {
	filePath = strings.TrimSuffix(filePath, filepath.Ext(filePath))
	if ext != "" {
		return fmt.Sprintf("%s.%s", filePath, string(ext))
	}
	return filePath
}

func GetExt(filePath string) Extension {
	ext := path.Ext(filePath)
	if ext == "" {
		return NoExtension
	}
	return Extension(ext[1:])
}

// Exporter is a service to copy the downloaded products to a remote storage
type Exporter interface {
	// SaveProduct persists the local file or directory of the product into the storage and returns its uri
	SaveProduct(ctx context.Context, product *common.Product, localPath string) (string, error)
}

// zipIfDir archives the directory as a zip file in a temporary directory.
// Returns the file to upload and the function removing the temporary files.
func zipIfDir(localPath string) (string, func(), error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", nil, err
	}
	if !info.IsDir() {
		return localPath, func() {}, nil
	}
	tmpDir, err := os.MkdirTemp("", "export")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(tmpDir) }
	// Keep the directory extension (.SAFE, .SEN3) in the archive name
	dst := filepath.Join(tmpDir, filepath.Base(strings.TrimRight(localPath, "/"))+"."+string(ExtensionZIP))
	zipper := archiver.NewZip()
	zipper.CompressionLevel = flate.BestSpeed
	if err := zipper.Archive([]string{localPath}, dst); err != nil {
		cleanup()
		return "", nil, err
	}
	return dst, cleanup, nil
}

// StorageExporter implements Exporter using geocube.Strategy (local, gs...)
type StorageExporter struct {
	storage storage.Strategy
	uri     uri.DefaultUri
}

// NewStorageExporter creates a new StorageExporter
func NewStorageExporter(ctx context.Context, storageURI string) (*StorageExporter, error) {
	uri, err := uri.ParseUri(storageURI)
	if err != nil {
		return nil, fmt.Errorf("NewStorageExporter.ParseURI: %w", err)
	}

	storageClient, err := uri.NewStorageStrategy(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewStorageExporter: %w", err)
	}

	return &StorageExporter{storage: storageClient, uri: uri}, nil
}

// SaveProduct implements Exporter
func (ss *StorageExporter) SaveProduct(ctx context.Context, product *common.Product, localPath string) (string, error) {
	src, cleanup, err := zipIfDir(localPath)
	if err != nil {
		return "", fmt.Errorf("SaveProduct.Archive: %w", err)
	}
	defer cleanup()

	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("SaveProduct.Open: %w", err)
	}
	defer f.Close()

	dst := ss.getPath(product, filepath.Base(src))
	if err := ss.storage.UploadFile(ctx, dst, f); err != nil {
		return "", fmt.Errorf("SaveProduct.UploadFile to %s: %w", dst, err)
	}
	return dst, nil
}

// getPath returns the remote path of the file of the product
func (ss *StorageExporter) getPath(product *common.Product, filename string) string {
	uri := ss.uri.String()
	if !strings.HasSuffix(uri, "/") {
		uri += "/"
	}
	return uri + path.Join(product.ProductType, filename)
}

// S3Exporter implements Exporter for an AWS S3 bucket
type S3Exporter struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Exporter creates a new S3Exporter from an uri s3://bucket/prefix
// If accessKeyID is empty, the default credential chain is used.
func NewS3Exporter(ctx context.Context, s3URI, region, accessKeyID, secretAccessKey string) (*S3Exporter, error) {
	if !strings.HasPrefix(s3URI, "s3://") {
		return nil, ErrMisconfigured{Key: "export-uri", Reason: "must start with s3://"}
	}
	bucketPrefix := strings.SplitN(strings.TrimPrefix(s3URI, "s3://"), "/", 2)
	if bucketPrefix[0] == "" {
		return nil, ErrMisconfigured{Key: "export-uri", Reason: "missing bucket"}
	}

	options := []func(*config.LoadOptions) error{}
	if region != "" {
		options = append(options, config.WithRegion(region))
	}
	if accessKeyID != "" {
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("NewS3Exporter config.LoadDefaultConfig: %w", err)
	}

	uploader := manager.NewUploader(s3.NewFromConfig(cfg), func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024 // 10MB per part
	})

	exporter := &S3Exporter{bucket: bucketPrefix[0], uploader: uploader}
	if len(bucketPrefix) == 2 {
		exporter.prefix = strings.Trim(bucketPrefix[1], "/")
	}
	return exporter, nil
}

// SaveProduct implements Exporter
func (se *S3Exporter) SaveProduct(ctx context.Context, product *common.Product, localPath string) (string, error) {
	src, cleanup, err := zipIfDir(localPath)
	if err != nil {
		return "", fmt.Errorf("S3Exporter.SaveProduct.Archive: %w", err)
	}
	defer cleanup()

	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("S3Exporter.SaveProduct.Open: %w", err)
	}
	defer f.Close()

	key := path.Join(se.prefix, product.ProductType, filepath.Base(src))
	if _, err := se.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(se.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", MakeTemporary(fmt.Errorf("S3Exporter.SaveProduct.Upload to s3://%s/%s: %w", se.bucket, key, err))
	}
	return "s3://" + se.bucket + "/" + key, nil
}

// NewExporter creates the Exporter adapted to the uri (s3://, gs://, local path)
func NewExporter(ctx context.Context, exportURI, s3Region, s3AccessKeyID, s3SecretAccessKey string) (Exporter, error) {
	if strings.HasPrefix(exportURI, "s3://") {
		return NewS3Exporter(ctx, exportURI, s3Region, s3AccessKeyID, s3SecretAccessKey)
	}
	return NewStorageExporter(ctx, exportURI)
}
