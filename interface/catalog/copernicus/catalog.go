package copernicus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"

	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"

	"github.com/airbusgeo/copernicus-downloader/common"
	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/airbusgeo/copernicus-downloader/service/log"
)

const (
	CopernicusPageLimit   = 1000
	DefaultODataEndpoint  = "https://catalogue.dataspace.copernicus.eu/odata/v1"
	ProviderName          = "copernicus"
	copernicusNbOfRetries = 3
)

// Result of a search. Empty is true when the catalog found no product.
type Result struct {
	Products []*common.Product
	Total    int
	Empty    bool
}

// Catalog searches the products in the Copernicus OData catalog
type Catalog struct {
	BaseURL string
	// Limit is the maximum number of products per request to the catalog
	Limit int

	client    *http.Client
	nbRetries int
}

// NewCatalog creates a new Catalog (DefaultODataEndpoint if baseURL is empty)
func NewCatalog(baseURL string) *Catalog {
	if baseURL == "" {
		baseURL = DefaultODataEndpoint
	}
	return &Catalog{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		Limit:     CopernicusPageLimit,
		client:    &http.Client{},
		nbRetries: copernicusNbOfRetries,
	}
}

// RemoteLocation returns the download url of the product
func (c *Catalog) RemoteLocation(uuid string) string {
	return fmt.Sprintf("%s/Products(%s)/$value", c.BaseURL, uuid)
}

// Search the catalog for the products matching the criteria
func (c *Catalog) Search(ctx context.Context, criteria Criteria) (Result, error) {
	query, err := BuildQuery(criteria)
	if err != nil {
		return Result{}, fmt.Errorf("Copernicus.Search.%w", err)
	}

	hits, total, err := c.queryCopernicus(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("Copernicus.Search.%w", service.MakeRequestError(err))
	}
	if total == nil {
		log.Logger(ctx).Sugar().Debugf("[Copernicus] no total count in the response of %s", query.Filter())
		log.Logger(ctx).Info("No results found !")
		return Result{Empty: true}, nil
	}

	products := make([]*common.Product, 0, len(hits))
	for _, hit := range hits {
		product, err := c.normalize(query, hit)
		if err != nil {
			return Result{}, fmt.Errorf("Copernicus.Search.%w", err)
		}
		products = append(products, product)
	}
	return Result{Products: products, Total: *total, Empty: len(products) == 0}, nil
}

// Hits is a product in the response of the catalog
type Hits struct {
	Uuid          string           `json:"Id"`
	Identifier    string           `json:"Name"`
	Footprint     geojson.Geometry `json:"GeoFootprint"`
	ContentLength int64            `json:"ContentLength"`
	Online        bool             `json:"Online"`
	Publication   string           `json:"PublicationDate"`
	ContentDate   struct {
		BeginPosition string `json:"Start"`
		EndPosition   string `json:"End"`
	} `json:"ContentDate"`
	Attributes []struct {
		Name      string      `json:"Name"`
		Value     interface{} `json:"Value"`
		ValueType string      `json:"ValueType"`
	} `json:"Attributes"`
	AttributesMap map[string]string `json:"-"`
}

func (h *Hits) flattenAttributes() {
	h.AttributesMap = map[string]string{}
	for _, elem := range h.Attributes {
		h.AttributesMap[elem.Name] = fmt.Sprintf("%v", elem.Value)
	}
	h.Attributes = nil
}

// Product retrieves a product by its uuid
func (c *Catalog) Product(ctx context.Context, uuid string) (*common.Product, error) {
	url := fmt.Sprintf("%s/Products(%s)?$expand=Attributes", c.BaseURL, uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("Copernicus.Product.NewRequest: %w", err)
	}
	body, err := service.GetBodyRetryReq(c.client, req, c.nbRetries)
	if err != nil {
		if service.IsHTTPStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("Copernicus.Product: %s not found: %w", uuid, err)
		}
		return nil, fmt.Errorf("Copernicus.Product.%w", service.MakeRequestError(err))
	}
	var hit Hits
	if err := json.Unmarshal(body, &hit); err != nil {
		return nil, fmt.Errorf("Copernicus.Product.Unmarshal: %w (response: %s)", err, body)
	}
	hit.flattenAttributes()
	return c.normalize(Query{}, hit)
}

// normalize converts a hit of the catalog into a product
func (c *Catalog) normalize(query Query, hit Hits) (*common.Product, error) {
	if hit.Uuid == "" || hit.Identifier == "" {
		return nil, fmt.Errorf("normalize: missing Id or Name in results")
	}
	title := service.WithExt(hit.Identifier, service.NoExtension)
	product := common.NewProduct(title, hit.Uuid, query.ProductType, c.RemoteLocation(hit.Uuid))
	product.Provider = ProviderName
	product.StorageStatus = common.StatusOFFLINE
	if hit.Online {
		product.StorageStatus = common.StatusONLINE
	}
	if hit.Footprint.Geometry != nil {
		geometry, err := wkt.EncodeString(hit.Footprint.Geometry)
		if err != nil {
			return nil, fmt.Errorf("normalize[%s].EncodeWKT: %w", title, err)
		}
		product.Geometry = geometry
	}

	product.Properties[common.PropertySize] = hit.ContentLength
	product.Properties[common.PropertyProductType] = query.ProviderProductType
	product.Properties[common.PropertyPlatform] = query.Platform
	product.Properties[common.PropertyStartTime] = hit.ContentDate.BeginPosition
	product.Properties[common.PropertyEndTime] = hit.ContentDate.EndPosition
	product.Properties[common.PropertyPublication] = hit.Publication
	if info, err := common.Info(title); err == nil {
		product.Properties[common.PropertyMissionID] = info["MISSION_ID"]
	}

	optional := map[string]string{
		"cloudCover":          common.PropertyCloudCover,
		"orbitNumber":         common.PropertyOrbit,
		"relativeOrbitNumber": common.PropertyRelativeOrbit,
		"tileId":              common.PropertyTile,
	}
	for attr, prop := range optional {
		if v, ok := hit.AttributesMap[attr]; ok {
			product.Properties[prop] = v
		}
	}
	return product, nil
}

// queryCopernicus returns the hits of the page of the query and the total number of results (nil if unknown)
func (c *Catalog) queryCopernicus(ctx context.Context, query Query) ([]Hits, *int, error) {
	// Pagging
	var rawscenes []Hits
	var total *int
	filter := neturl.QueryEscape(query.Filter())
	totalPages := "?"

	for _, queryParams := range service.ComputePagesToQuery(query.Page-1, query.ItemsPerPage, c.Limit) {
		log.Logger(ctx).Sugar().Debugf("[Copernicus] Search page %d/%s", queryParams.Page+1, totalPages)
		// Load results
		url := c.BaseURL + "/Products?$filter=" + filter +
			fmt.Sprintf("&$orderby=ContentDate/Start&$top=%d&$skip=%d&$expand=Attributes&$count=True", queryParams.Limit, queryParams.Limit*queryParams.Page)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("queryCopernicus.NewRequest: %w", err)
		}
		jsonResults, err := service.GetBodyRetryReq(c.client, req, c.nbRetries)
		if err != nil {
			return nil, nil, fmt.Errorf("queryCopernicus: %w", err)
		}

		//JSON
		results := struct {
			Status int    `json:"status"`
			Next   string `json:"@odata.nextLink"`
			Count  *int   `json:"@odata.count"`
			Hits   []Hits `json:"value"`
		}{}

		// Read results to retrieve scenes
		if err := json.Unmarshal(jsonResults, &results); err != nil {
			return nil, nil, fmt.Errorf("query.Unmarshal : %w (response: %s)", err, jsonResults)
		}

		if results.Status != 0 && results.Status != 200 {
			return nil, nil, fmt.Errorf("query: http status: %d (response: %s)", results.Status, jsonResults)
		}

		if results.Count == nil {
			// No total count: no results
			return nil, nil, nil
		}
		total = results.Count
		totalPages = strconv.Itoa((*results.Count-1)/queryParams.Limit + 1)

		results.Hits = service.QueryGetResult(&queryParams, results.Hits)

		for i := range results.Hits {
			results.Hits[i].flattenAttributes()
		}

		// Merge the results
		rawscenes = append(rawscenes, results.Hits...)

		// Is there a next page ?
		if results.Next == "" || len(rawscenes) == query.ItemsPerPage {
			break
		}
	}

	return rawscenes, total, nil
}
