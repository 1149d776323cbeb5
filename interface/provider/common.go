package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/cavaliercoder/grab"
)

// ErrChecksum is returned when the file transferred does not match the checksum of the catalog
type ErrChecksum struct {
	File     string
	Expected string
	Actual   string
}

func (e ErrChecksum) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.File, e.Expected, e.Actual)
}

func fmtBytes(bytes int64) string {
	v := float64(bytes)
	switch {
	case v > 1<<30:
		return fmt.Sprintf("%.2fGo", v/(1<<30))
	case v > 1<<20:
		return fmt.Sprintf("%.2fMo", v/(1<<20))
	case v > 1<<10:
		return fmt.Sprintf("%.2fko", v/(1<<10))
	default:
		return fmt.Sprintf("%.2fo", v)
	}
}

// watchProgress polls the response every period and reports its progress to the sink until the transfer is done
func watchProgress(ctx context.Context, name string, resp *grab.Response, sink ProgressSink, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			sink.Progress(ctx, name, resp.BytesComplete(), resp.Size)
		case <-resp.Done:
			if resp.Err() == nil {
				sink.Progress(ctx, name, resp.BytesComplete(), resp.Size)
			}
			return
		}
	}
}

func checkRedirectAndCopyAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if auth, ok := via[0].Header["Authorization"]; ok {
		req.Header.Set("Authorization", auth[0])
	}
	return nil
}

// download a file, reporting its progress to the sink
func download(ctx context.Context, client *grab.Client, req *grab.Request, name string, sink ProgressSink) error {
	resp := client.Do(req.WithContext(ctx))

	watchProgress(ctx, name, resp, sink, time.Second)

	if err := resp.Err(); err != nil {
		err = fmt.Errorf("download[%s]: %w", req.URL(), err)
		if resp.HTTPResponse == nil {
			return service.MakeTemporary(err)
		}
		if service.TemporaryStatus(resp.HTTPResponse.StatusCode) {
			return service.MakeTemporary(err)
		}
		return err
	}
	if resp.HTTPResponse != nil && resp.HTTPResponse.StatusCode == http.StatusAccepted {
		return service.MakeTemporary(fmt.Errorf("download[%s]: product is being staged", req.URL()))
	}
	return nil
}

// productFilePath returns the path of the product, given the directory and its title
func productFilePath(dir, title string, ext service.Extension) string {
	return filepath.Join(dir, title+"."+string(ext))
}

// fileMD5 returns the hex md5 of the file
func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checkFile returns an error if the file does not match the expected size (if > 0) and md5 (if not empty)
func checkFile(path string, size int64, checksum string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if size > 0 && info.Size() != size {
		return ErrChecksum{File: path, Expected: fmt.Sprintf("%d bytes", size), Actual: fmt.Sprintf("%d bytes", info.Size())}
	}
	if checksum == "" {
		return nil
	}
	actual, err := fileMD5(path)
	if err != nil {
		return service.MakeTemporary(err)
	}
	if !strings.EqualFold(actual, checksum) {
		return ErrChecksum{File: path, Expected: checksum, Actual: actual}
	}
	return nil
}
