package service

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"time"
)

// ErrHTTPStatus is returned when the server responds with an unexpected status
type ErrHTTPStatus struct {
	Code   int
	Status string
	Body   []byte
}

func (e ErrHTTPStatus) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Body)
}

// IsHTTPStatus returns true if err is an ErrHTTPStatus with one of the given codes
func IsHTTPStatus(err error, codes ...int) bool {
	var e ErrHTTPStatus
	if !errors.As(err, &e) {
		return false
	}
	for _, c := range codes {
		if e.Code == c {
			return true
		}
	}
	return false
}

// TemporaryStatus returns true if the http status code is worth a retry
func TemporaryStatus(code int) bool {
	switch code {
	case 408, 429, 500, 501, 502, 503, 504:
		return true
	}
	return false
}

// PageQueryParam defines a page to request to the catalog and the rows to select in the result
type PageQueryParam struct {
	Limit            int
	Page             int
	FirstRowToSelect int
	LastRowToSelect  int
}

// ComputePagesToQuery returns the catalog pages (of size catalogLimit) to request
// to get the clientPage (0-based) of size clientLimit.
func ComputePagesToQuery(clientPage, clientLimit, catalogLimit int) []PageQueryParam {
	if catalogLimit <= 0 {
		catalogLimit = clientLimit
	}
	if clientLimit <= 0 || catalogLimit <= 0 {
		return []PageQueryParam{{Limit: catalogLimit, Page: 0, FirstRowToSelect: 0, LastRowToSelect: -1}}
	}
	firstRow := clientPage * clientLimit
	lastRow := firstRow + clientLimit - 1

	var params []PageQueryParam
	for page := firstRow / catalogLimit; page <= lastRow/catalogLimit; page++ {
		pageFirstRow := page * catalogLimit
		first, last := 0, catalogLimit-1
		if firstRow > pageFirstRow {
			first = firstRow - pageFirstRow
		}
		if lastRow < pageFirstRow+catalogLimit-1 {
			last = lastRow - pageFirstRow
		}
		params = append(params, PageQueryParam{Limit: catalogLimit, Page: page, FirstRowToSelect: first, LastRowToSelect: last})
	}
	return params
}

// QueryGetResult selects the rows of the page defined by queryParams
// LastRowToSelect < 0 selects all the rows from FirstRowToSelect
func QueryGetResult[T any](queryParams *PageQueryParam, results []T) []T {
	first, last := queryParams.FirstRowToSelect, queryParams.LastRowToSelect+1
	if first > len(results) {
		first = len(results)
	}
	if last <= 0 || last > len(results) {
		last = len(results)
	}
	if first > last {
		return results[:0]
	}
	return results[first:last]
}

// GetBodyRetry: simple GET with N retries in case of temporary errors
func GetBodyRetry(url string, nbRetries int) ([]byte, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	return GetBodyRetryReq(http.DefaultClient, req, nbRetries)
}

// GetBodyRetryReq: simple request with N retries in case of temporary errors
// Status errors are returned as ErrHTTPStatus, temporary if the status is worth a retry.
func GetBodyRetryReq(client *http.Client, req *http.Request, nbRetries int) ([]byte, error) {
	var e *neturl.Error
	var err error

	for i := range nbRetries + 1 {
		time.Sleep(((1 << i) - 1) * time.Second) // Exponential backoff, starting at 0
		var body []byte
		body, err = func() ([]byte, error) {
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, MakeTemporary(err)
			}
			if resp.StatusCode != http.StatusOK {
				err = ErrHTTPStatus{Code: resp.StatusCode, Status: resp.Status, Body: body}
				if TemporaryStatus(resp.StatusCode) {
					return nil, MakeTemporary(err)
				}
				return nil, err
			}
			return body, nil
		}()
		if err == nil {
			return body, nil
		}
		if !Temporary(err) && !(errors.As(err, &e) && e.Timeout()) {
			return nil, err
		}
		if req.Context().Err() != nil {
			return nil, err
		}
	}
	return nil, err
}
