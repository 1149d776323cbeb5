package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/airbusgeo/copernicus-downloader/service/log"
	"github.com/cavaliercoder/grab"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCopernicusODataEndpoint = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	DefaultCopernicusTokenEndpoint = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"
	copernicusClientID             = "cdse-public"
)

// Credentials of a Copernicus account
type Credentials struct {
	Username string
	Password string
}

// CopernicusEndpoints are the urls of the Copernicus services (default if empty)
type CopernicusEndpoints struct {
	OData string
	Token string
}

// CopernicusClient implements RetrievalClient for the Copernicus Data Space Ecosystem (OData API)
type CopernicusClient struct {
	credentials Credentials
	endpoints   CopernicusEndpoints
	oauth       *oauth2.Config
	http        *http.Client
	grab        *grab.Client
	// delay before the first retry of a failed transfer (doubled at each retry)
	retryBackoff time.Duration
	nbRetries    int

	mu          sync.Mutex
	tokenSource oauth2.TokenSource
}

// NewCopernicusClient creates a new CopernicusClient. No request is sent before the first call.
func NewCopernicusClient(credentials Credentials, endpoints CopernicusEndpoints) (*CopernicusClient, error) {
	if credentials.Username == "" {
		return nil, service.ErrMisconfigured{Key: "copernicus-username"}
	}
	if credentials.Password == "" {
		return nil, service.ErrMisconfigured{Key: "copernicus-password"}
	}
	if endpoints.OData == "" {
		endpoints.OData = DefaultCopernicusODataEndpoint
	}
	if endpoints.Token == "" {
		endpoints.Token = DefaultCopernicusTokenEndpoint
	}
	endpoints.OData = strings.TrimSuffix(endpoints.OData, "/")

	grabClient := grab.NewClient()
	grabClient.UserAgent = "copernicus-downloader"
	grabClient.HTTPClient.CheckRedirect = checkRedirectAndCopyAuth

	return &CopernicusClient{
		credentials: credentials,
		endpoints:   endpoints,
		oauth: &oauth2.Config{
			ClientID: copernicusClientID,
			Endpoint: oauth2.Endpoint{TokenURL: endpoints.Token, AuthStyle: oauth2.AuthStyleInParams},
		},
		http:         &http.Client{CheckRedirect: checkRedirectAndCopyAuth},
		grab:         grabClient,
		retryBackoff: 5 * time.Second,
		nbRetries:    3,
	}, nil
}

// Name of the provider
func (c *CopernicusClient) Name() string {
	return "Copernicus"
}

// token returns a valid access token, requesting a new one with the password grant if needed
func (c *CopernicusClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for try := 0; try < 2; try++ {
		if c.tokenSource == nil {
			token, err := c.oauth.PasswordCredentialsToken(ctx, c.credentials.Username, c.credentials.Password)
			if err != nil {
				return "", service.MakeRequestError(fmt.Errorf("CopernicusToken.PasswordCredentialsToken: %w", err))
			}
			c.tokenSource = c.oauth.TokenSource(context.Background(), token)
		}
		token, err := c.tokenSource.Token()
		if err == nil {
			return token.AccessToken, nil
		}
		// Refresh token may have expired
		log.Logger(ctx).Sugar().Debugf("CopernicusToken: refresh failed: %v", err)
		c.tokenSource = nil
	}
	return "", service.MakeRequestError(fmt.Errorf("CopernicusToken: unable to get a token"))
}

func (c *CopernicusClient) productURL(uuid string) string {
	return fmt.Sprintf("%s/Products(%s)", c.endpoints.OData, uuid)
}

func (c *CopernicusClient) downloadURL(uuid string) string {
	return c.productURL(uuid) + "/$value"
}

// productMeta is the information of the catalog needed to transfer a product
type productMeta struct {
	TransferInfo
	Checksum string
}

// metadata requests the catalog for the metadata of the product
func (c *CopernicusClient) metadata(ctx context.Context, uuid string) (productMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.productURL(uuid), nil)
	if err != nil {
		return productMeta{}, fmt.Errorf("metadata.NewRequest: %w", err)
	}
	body, err := service.GetBodyRetryReq(c.http, req, c.nbRetries)
	if err != nil {
		return productMeta{}, fmt.Errorf("metadata[%s]: %w", uuid, err)
	}

	raw := struct {
		ID            string `json:"Id"`
		Name          string `json:"Name"`
		ContentLength int64  `json:"ContentLength"`
		Online        bool   `json:"Online"`
		Checksum      []struct {
			Value     string `json:"Value"`
			Algorithm string `json:"Algorithm"`
		} `json:"Checksum"`
	}{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return productMeta{}, fmt.Errorf("metadata[%s].Unmarshal: %w", uuid, err)
	}
	if raw.Name == "" {
		return productMeta{}, fmt.Errorf("metadata[%s]: name not found in %s", uuid, string(body))
	}

	meta := productMeta{
		TransferInfo: TransferInfo{
			UUID:   uuid,
			Title:  service.WithExt(raw.Name, service.NoExtension),
			Size:   raw.ContentLength,
			Online: raw.Online,
		},
	}
	for _, cs := range raw.Checksum {
		if strings.EqualFold(cs.Algorithm, "MD5") {
			meta.Checksum = cs.Value
		}
	}
	return meta, nil
}

// IsOnline implements RetrievalClient
func (c *CopernicusClient) IsOnline(ctx context.Context, uuid string) (bool, error) {
	meta, err := c.metadata(ctx, uuid)
	if err != nil {
		if service.IsHTTPStatus(err, http.StatusNotFound) {
			return false, ErrProductNotFound{Product: uuid}
		}
		return false, fmt.Errorf("CopernicusClient.IsOnline.%w", service.MakeRequestError(err))
	}
	return meta.Online, nil
}

// order triggers the retrieval of the product from the long-term archive.
// Quota errors are temporary: the order must be retried later.
func (c *CopernicusClient) order(ctx context.Context, uuid string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.downloadURL(uuid), nil)
	if err != nil {
		return fmt.Errorf("order.NewRequest: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return service.MakeTemporary(fmt.Errorf("order[%s]: %w", uuid, err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusForbidden, http.StatusTooManyRequests:
		return service.MakeTemporary(service.ErrHTTPStatus{Code: resp.StatusCode, Status: resp.Status})
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = service.ErrHTTPStatus{Code: resp.StatusCode, Status: resp.Status, Body: body}
	if service.TemporaryStatus(resp.StatusCode) {
		return service.MakeTemporary(err)
	}
	return fmt.Errorf("order[%s]: %w", uuid, err)
}

// downloadProduct downloads the product in outputDir with retries, returning the path of the file.
func (c *CopernicusClient) downloadProduct(ctx context.Context, meta productMeta, outputDir string, opts TransferOptions) (string, error) {
	dst := productFilePath(outputDir, meta.Title, service.ExtensionZIP)

	checksum := ""
	if opts.Checksum {
		checksum = meta.Checksum
	}
	if err := checkFile(dst, meta.Size, checksum); err == nil {
		log.Logger(ctx).Sugar().Debugf("%s: already downloaded in %s", meta.Title, dst)
		return dst, nil
	}

	err := service.Retriable(ctx, func() error {
		err := c.downloadOnce(ctx, meta, dst, checksum, opts.Progress)
		if err != nil {
			if !service.Temporary(err) {
				return service.MakeFatal(err)
			}
			log.Logger(ctx).Sugar().Warnf("%s: %v", meta.Title, err)
		}
		return err
	}, c.retryBackoff, opts.MaxAttempts)
	if err != nil {
		return "", fmt.Errorf("downloadProduct[%s].%w", meta.UUID, err)
	}
	return dst, nil
}

// downloadOnce downloads the product in a temporary file, checks it and renames it to dst
func (c *CopernicusClient) downloadOnce(ctx context.Context, meta productMeta, dst, checksum string, progress ProgressSink) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(dst), "."+uuid.New().String()+".incomplete")
	defer os.Remove(tmp)

	req, err := grab.NewRequest(tmp, c.downloadURL(meta.UUID))
	if err != nil {
		return fmt.Errorf("downloadOnce.NewRequest: %w", err)
	}
	req.NoResume = true
	req.HTTPRequest.Header.Set("Authorization", "Bearer "+token)

	if err := download(ctx, c.grab, req, meta.Title, progress); err != nil {
		return fmt.Errorf("downloadOnce.%w", err)
	}

	if checksum != "" {
		if err := checkFile(tmp, meta.Size, checksum); err != nil {
			var e ErrChecksum
			if errors.As(err, &e) {
				return service.MakeTemporary(service.MakeRequestError(err))
			}
			return fmt.Errorf("downloadOnce.checkFile: %w", err)
		}
	}

	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("downloadOnce.Rename: %w", err)
	}
	return nil
}

// transfer is the state of a bulk transfer
type transfer struct {
	client    *CopernicusClient
	outputDir string
	opts      TransferOptions

	mu      sync.Mutex
	result  TransferResult
	stopped bool
}

func (t *transfer) succeed(info TransferInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result.Succeeded[info.UUID] = info
}

func (t *transfer) fail(uuid string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.result.Failed[uuid] = err
	if t.opts.FailFast && err != ErrSkipped {
		t.stopped = true
	}
}

func (t *transfer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// downloadAll downloads the online products in parallel
func (t *transfer) downloadAll(ctx context.Context, products []productMeta) {
	var g errgroup.Group
	g.SetLimit(t.opts.Concurrency)
	for _, meta := range products {
		meta := meta
		g.Go(func() error {
			if t.isStopped() {
				t.fail(meta.UUID, ErrSkipped)
				return nil
			}
			path, err := t.client.downloadProduct(ctx, meta, t.outputDir, t.opts)
			if err != nil {
				log.Logger(ctx).Sugar().Errorf("%s: %v", meta.Title, err)
				t.fail(meta.UUID, err)
				return nil
			}
			info := meta.TransferInfo
			info.Path = path
			info.Online = true
			t.succeed(info)
			return nil
		})
	}
	_ = g.Wait()
}

// Transfer implements RetrievalClient
func (c *CopernicusClient) Transfer(ctx context.Context, uuids []string, outputDir string, retryDelay, timeout time.Duration, opts TransferOptions) (TransferResult, error) {
	t := &transfer{client: c, outputDir: outputDir, opts: opts.WithDefaults(), result: NewTransferResult()}
	if len(uuids) == 0 {
		return t.result, nil
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return t.result, fmt.Errorf("CopernicusClient.Transfer.MkdirAll: %w", err)
	}

	// Metadata
	var pending []productMeta
	seen := service.StringSet{}
	for _, id := range uuids {
		if seen.Exists(id) {
			continue
		}
		seen.Push(id)
		meta, err := c.metadata(ctx, id)
		if err != nil {
			if service.IsHTTPStatus(err, http.StatusNotFound) {
				t.fail(id, ErrProductNotFound{Product: id})
				continue
			}
			var e service.ErrHTTPStatus
			if errors.As(err, &e) && e.Code != http.StatusUnauthorized && e.Code != http.StatusForbidden {
				// Only this product is concerned
				log.Logger(ctx).Sugar().Errorf("%s: %v", id, err)
				t.fail(id, service.MakeRequestError(err))
				continue
			}
			return t.result, fmt.Errorf("CopernicusClient.Transfer.%w", service.MakeRequestError(err))
		}
		pending = append(pending, meta)
	}

	deadline := time.Now().Add(timeout)
	ordered := service.StringSet{}
	for {
		var online, offline []productMeta
		for _, meta := range pending {
			if meta.Online {
				online = append(online, meta)
			} else {
				offline = append(offline, meta)
			}
		}

		t.downloadAll(ctx, online)
		if len(offline) == 0 {
			break
		}
		if t.isStopped() {
			for _, meta := range offline {
				t.fail(meta.UUID, ErrSkipped)
			}
			break
		}

		// Order the retrieval of the offline products
		stillOffline := offline[:0]
		for _, meta := range offline {
			if !ordered.Exists(meta.UUID) {
				if err := c.order(ctx, meta.UUID); err != nil {
					if !service.Temporary(err) {
						log.Logger(ctx).Sugar().Errorf("%s: retrieval order failed: %v", meta.Title, err)
						t.fail(meta.UUID, err)
						continue
					}
					log.Logger(ctx).Sugar().Warnf("%s: retrieval order will be retried: %v", meta.Title, err)
				} else {
					log.Logger(ctx).Sugar().Infof("%s: retrieval from the long-term archive ordered", meta.Title)
					ordered.Push(meta.UUID)
				}
			}
			stillOffline = append(stillOffline, meta)
		}
		if len(stillOffline) == 0 {
			break
		}

		if retryDelay <= 0 || time.Now().Add(retryDelay).After(deadline) {
			for _, meta := range stillOffline {
				t.result.Staged[meta.UUID] = meta.TransferInfo
			}
			break
		}

		log.Logger(ctx).Sugar().Infof("%d product(s) offline, next check in %v", len(stillOffline), retryDelay)
		select {
		case <-ctx.Done():
			for _, meta := range stillOffline {
				t.fail(meta.UUID, ctx.Err())
			}
			return t.result, fmt.Errorf("CopernicusClient.Transfer: %w", ctx.Err())
		case <-time.After(retryDelay):
		}

		pending = nil
		for _, meta := range stillOffline {
			isOnline, err := c.IsOnline(ctx, meta.UUID)
			if err != nil {
				log.Logger(ctx).Sugar().Warnf("%s: %v", meta.Title, err)
			}
			meta.Online = isOnline
			pending = append(pending, meta)
		}
	}

	log.Logger(ctx).Sugar().Infof("Transfer: %d succeeded, %d staged, %d failed", len(t.result.Succeeded), len(t.result.Staged), len(t.result.Failed))
	return t.result, nil
}
