package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/copernicus-downloader/downloader"
	"github.com/airbusgeo/copernicus-downloader/interface/catalog/copernicus"
	"github.com/airbusgeo/copernicus-downloader/interface/provider"
	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/airbusgeo/copernicus-downloader/service/log"
	"go.uber.org/zap"
)

type config struct {
	OutputsPrefix string
	Extract       bool
	Layout        string
	LogLevel      string
	ReportDir     string

	// Copernicus
	CopernicusUsername string
	CopernicusPassword string
	ODataEndpoint      string
	TokenEndpoint      string

	// Transfer
	WaitInterval time.Duration
	Timeout      time.Duration
	MaxAttempts  int
	Checksum     bool
	Concurrency  int
	FailFast     bool

	// Export
	ExportURI         string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Search mode
	ProductType  string
	Start        string
	End          string
	Geometry     string
	CloudCover   int
	ItemsPerPage int
	Page         int

	// UUIDs mode
	UUIDs []string

	// Worker mode
	PsProject       string
	JobQueue        string
	EventQueue      string
	PgqDbConnection string
	AppPort         string
}

func newAppConfig() (*config, error) {
	config := config{}
	// Global config
	flag.StringVar(&config.OutputsPrefix, "outputs-prefix", "", "directory where the products are downloaded (default: <tmp>/copernicus-downloader)")
	flag.BoolVar(&config.Extract, "extract", false, "extract the archives once downloaded")
	flag.StringVar(&config.Layout, "layout", "", "sub-directory of the products, formatted with the information of the product name (e.g. {MISSION_ID}/{YEAR}/{MONTH})")
	flag.StringVar(&config.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&config.ReportDir, "report-dir", "", "write the products (with their local location) in <report-dir>/products.json (optional)")

	// Copernicus
	flag.StringVar(&config.CopernicusUsername, "copernicus-username", os.Getenv("COPERNICUS_USERNAME"), "copernicus data space account username (default: $COPERNICUS_USERNAME)")
	flag.StringVar(&config.CopernicusPassword, "copernicus-password", os.Getenv("COPERNICUS_PASSWORD"), "copernicus data space account password (default: $COPERNICUS_PASSWORD)")
	flag.StringVar(&config.ODataEndpoint, "odata-endpoint", provider.DefaultCopernicusODataEndpoint, "copernicus OData endpoint (catalog and download)")
	flag.StringVar(&config.TokenEndpoint, "token-endpoint", provider.DefaultCopernicusTokenEndpoint, "copernicus authentication endpoint")

	// Transfer
	waitInterval := flag.Int("wait-interval", 2, "minutes between two checks of the availability of the offline products")
	timeout := flag.Int("timeout", 20, "minutes after which the offline products are abandoned")
	flag.IntVar(&config.MaxAttempts, "max-attempts", provider.DefaultMaxAttempts, "maximum number of attempts of each transfer")
	flag.BoolVar(&config.Checksum, "checksum", true, "verify the checksum of the downloaded products")
	flag.IntVar(&config.Concurrency, "concurrency", provider.DefaultConcurrency, "number of parallel transfers")
	flag.BoolVar(&config.FailFast, "fail-fast", false, "do not start new transfers after the first failure")

	// Export
	flag.StringVar(&config.ExportURI, "export-uri", "", "export the downloaded products to this uri (optional, local path, gs:// or s3://)")
	flag.StringVar(&config.S3Region, "s3-region", "", "region of the s3 bucket (optional)")
	flag.StringVar(&config.S3AccessKeyID, "s3-access-key-id", "", "access key of the s3 bucket (optional, default: aws credentials chain)")
	flag.StringVar(&config.S3SecretAccessKey, "s3-secret-access-key", "", "secret access key of the s3 bucket (optional)")

	// Search mode
	flag.StringVar(&config.ProductType, "product-type", "", "search mode: product type (e.g. S2_MSI_L1C, S1_SAR_GRD)")
	flag.StringVar(&config.Start, "start", "", "search mode: start date of the products")
	flag.StringVar(&config.End, "end", "", "search mode: end date of the products")
	geometry := flag.String("geometry", "", "search mode: area of interest (WKT, geojson or path to a geojson file)")
	flag.IntVar(&config.CloudCover, "cloud-cover", -1, "search mode: maximum cloud cover (0-100)")
	flag.IntVar(&config.ItemsPerPage, "items-per-page", 20, "search mode: number of products")
	flag.IntVar(&config.Page, "page", 1, "search mode: page of the results")

	// UUIDs mode
	uuids := flag.String("uuids", "", "uuids mode: comma-separated list of products to download")

	// Worker mode
	flag.StringVar(&config.PgqDbConnection, "pgq-connection", "", "enable pgq messaging system with a connection to the database")
	flag.StringVar(&config.PsProject, "ps-project", "", "pubsub subscription project (gcp only/not required in local usage)")
	flag.StringVar(&config.JobQueue, "job-queue", "", "worker mode: name of the queue for download jobs (pgqueue or pubsub subscription)")
	flag.StringVar(&config.EventQueue, "event-queue", "", "worker mode: name of the queue for job results (pgqueue or pubsub topic)")
	flag.StringVar(&config.AppPort, "port", "9000", "worker mode: port of the status server")

	flag.Parse()

	config.WaitInterval = time.Duration(*waitInterval) * time.Minute
	config.Timeout = time.Duration(*timeout) * time.Minute
	if *uuids != "" {
		for _, uuid := range strings.Split(*uuids, ",") {
			if uuid = strings.TrimSpace(uuid); uuid != "" {
				config.UUIDs = append(config.UUIDs, uuid)
			}
		}
	}
	if *geometry != "" {
		if !strings.HasPrefix(strings.TrimSpace(*geometry), "{") {
			if _, err := os.Stat(*geometry); err == nil {
				var err error
				if config.Geometry, err = service.ReadGeometry(*geometry); err != nil {
					return nil, fmt.Errorf("geometry: %w", err)
				}
			}
		}
		if config.Geometry == "" {
			config.Geometry = *geometry
		}
	}

	if config.JobQueue == "" && config.ProductType == "" && len(config.UUIDs) == 0 {
		return nil, fmt.Errorf("one of -product-type, -uuids or -job-queue config flag is required")
	}
	if config.JobQueue != "" && config.EventQueue == "" {
		return nil, fmt.Errorf("missing event-queue config flag")
	}
	return &config, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := run(ctx)
	log.Sync()
	if err != nil {
		log.Fatal("error", zap.Error(err))
	}
}

func run(ctx context.Context) error {
	config, err := newAppConfig()
	if err != nil {
		return err
	}
	if config.LogLevel != "" {
		log.SetLevel(config.LogLevel)
	}

	client, err := provider.NewCopernicusClient(
		provider.Credentials{Username: config.CopernicusUsername, Password: config.CopernicusPassword},
		provider.CopernicusEndpoints{OData: config.ODataEndpoint, Token: config.TokenEndpoint},
	)
	if err != nil {
		return fmt.Errorf("NewCopernicusClient: %w", err)
	}
	catalog := copernicus.NewCatalog(config.ODataEndpoint)

	var exporter service.Exporter
	if config.ExportURI != "" {
		if exporter, err = service.NewExporter(ctx, config.ExportURI, config.S3Region, config.S3AccessKeyID, config.S3SecretAccessKey); err != nil {
			return fmt.Errorf("NewExporter: %w", err)
		}
	}

	dl := downloader.NewDownloader(client, downloader.Config{
		OutputsPrefix:       config.OutputsPrefix,
		Extract:             config.Extract,
		Layout:              config.Layout,
		DefaultWaitInterval: config.WaitInterval,
		DefaultTimeout:      config.Timeout,
	})
	opts := downloader.Options{
		MaxAttempts:     config.MaxAttempts,
		Checksum:        &config.Checksum,
		Concurrency:     config.Concurrency,
		FailFast:        config.FailFast,
		Progress:        provider.NewLogProgress(),
		ExtractProgress: provider.NewLogEntriesProgress(),
	}

	if config.JobQueue != "" {
		return runWorker(ctx, config, dl, exporter, opts)
	}

	var products []*common.Product
	if len(config.UUIDs) > 0 {
		for _, uuid := range config.UUIDs {
			product, err := catalog.Product(ctx, uuid)
			if err != nil {
				return fmt.Errorf("uuid %s: %w", uuid, err)
			}
			products = append(products, product)
		}
	} else {
		criteria := copernicus.Criteria{
			ProductType:  config.ProductType,
			Start:        config.Start,
			End:          config.End,
			GeometryWKT:  config.Geometry,
			Page:         config.Page,
			ItemsPerPage: config.ItemsPerPage,
		}
		if config.CloudCover >= 0 {
			criteria.CloudCover = &config.CloudCover
		}
		res, err := catalog.Search(ctx, criteria)
		if err != nil {
			return err
		}
		if res.Empty {
			return nil
		}
		log.Logger(ctx).Sugar().Infof("%d product(s) found (%d in total)", len(res.Products), res.Total)
		products = res.Products
	}

	paths, err := dl.DownloadAll(ctx, products, config.WaitInterval, config.Timeout, opts)
	if err != nil {
		return err
	}
	if err := service.ToJSON(products, config.ReportDir, "products.json"); err != nil {
		return err
	}
	if exporter != nil {
		if paths, err = export(ctx, exporter, products); err != nil {
			return err
		}
	}
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

// export saves the downloaded products and returns their exported uris
func export(ctx context.Context, exporter service.Exporter, products []*common.Product) ([]string, error) {
	var uris []string
	for _, product := range products {
		path, ok := product.LocalPath()
		if !ok {
			continue
		}
		uri, err := exporter.SaveProduct(ctx, product, path)
		if err != nil {
			return nil, fmt.Errorf("export[%s]: %w", product.ID, err)
		}
		log.Logger(ctx).Sugar().Infof("%s exported to %s", product.ID, uri)
		uris = append(uris, uri)
	}
	return uris, nil
}
