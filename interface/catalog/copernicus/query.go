package copernicus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/copernicus-downloader/service"
	"github.com/araddon/dateparse"
)

// ProductType defines how a product type of the framework is searched in the catalog
type ProductType struct {
	// ProviderType is the value of the productType attribute in the catalog
	ProviderType string
	// Platform is the name of the collection
	Platform string
	// Parameters are added to the query if not overridden by the user
	Parameters map[string]string
}

// ProductTypes maps the product types of the framework to the catalog ones
var ProductTypes = map[string]ProductType{
	"S1_SAR_RAW":     {ProviderType: "RAW", Platform: "SENTINEL-1"},
	"S1_SAR_GRD":     {ProviderType: "GRD", Platform: "SENTINEL-1"},
	"S1_SAR_SLC":     {ProviderType: "SLC", Platform: "SENTINEL-1", Parameters: map[string]string{"sensoroperationalmode": "IW"}},
	"S1_SAR_OCN":     {ProviderType: "OCN", Platform: "SENTINEL-1"},
	"S2_MSI_L1C":     {ProviderType: "S2MSI1C", Platform: "SENTINEL-2"},
	"S2_MSI_L2A":     {ProviderType: "S2MSI2A", Platform: "SENTINEL-2"},
	"S3_EFR":         {ProviderType: "OL_1_EFR___", Platform: "SENTINEL-3"},
	"S3_ERR":         {ProviderType: "OL_1_ERR___", Platform: "SENTINEL-3"},
	"S3_OLCI_L2LFR":  {ProviderType: "OL_2_LFR___", Platform: "SENTINEL-3"},
	"S3_SLSTR_L1RBT": {ProviderType: "SL_1_RBT___", Platform: "SENTINEL-3"},
	"S3_SLSTR_L2LST": {ProviderType: "SL_2_LST___", Platform: "SENTINEL-3"},
	"S5P_L1B_RA_BD1": {ProviderType: "L1B_RA_BD1", Platform: "SENTINEL-5P"},
	"S5P_L2_NO2":     {ProviderType: "L2__NO2___", Platform: "SENTINEL-5P"},
	"S5P_L2_CH4":     {ProviderType: "L2__CH4___", Platform: "SENTINEL-5P"},
}

// mapKey translates the search keywords into OData filters
var mapKey = map[string]string{
	"platformname":          "Collection/Name eq '%s'",
	"producttype":           "Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq '%s')",
	"polarisationmode":      "Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'polarisationChannels' and att/OData.CSC.StringAttribute/Value eq '%s')",
	"sensoroperationalmode": "Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'operationalMode' and att/OData.CSC.StringAttribute/Value eq '%s')",
	"cloudcoverpercentage":  "Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value ge %d) and Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value le %d)",
	"relativeorbitnumber":   "Attributes/OData.CSC.IntegerAttribute/any(att:att/Name eq 'relativeOrbitNumber' and att/OData.CSC.IntegerAttribute/Value eq %s)",
	"orbitdirection":        "Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'orbitDirection' and att/OData.CSC.StringAttribute/Value eq '%s')",
	"tileid":                "Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'tileId' and att/OData.CSC.StringAttribute/Value eq '%s')",
	"filename":              "contains(Name,'%s')",
}

const odataDateFormat = "2006-01-02T15:04:05.000Z"

// Criteria of a search
type Criteria struct {
	// ProductType of the framework (see ProductTypes)
	ProductType string
	// Start and End of the acquisition (any format supported by dateparse)
	Start, End string
	// GeometryWKT is the area of interest (WKT or GeoJSON)
	GeometryWKT string
	// CloudCover is the maximum cloud cover percentage
	CloudCover *int
	// Page (starting at 1) and ItemsPerPage
	Page, ItemsPerPage int
	// Extra keywords (polarisationmode, sensoroperationalmode, relativeorbitnumber, orbitdirection, tileid, filename)
	Extra map[string]string
}

// Query is a search translated for the catalog
type Query struct {
	ProductType         string
	ProviderProductType string
	Platform            string
	Filters             []string
	Page                int
	ItemsPerPage        int
}

// Filter returns the OData $filter
func (q Query) Filter() string {
	return strings.Join(q.Filters, " and ")
}

const DefaultItemsPerPage = 20

// BuildQuery translates the criteria into a catalog query
func BuildQuery(c Criteria) (Query, error) {
	pt, ok := ProductTypes[c.ProductType]
	if !ok {
		return Query{}, service.ErrMisconfigured{Key: "productType", Reason: fmt.Sprintf("unsupported product type: %q", c.ProductType)}
	}
	q := Query{
		ProductType:         c.ProductType,
		ProviderProductType: pt.ProviderType,
		Platform:            pt.Platform,
		Page:                c.Page,
		ItemsPerPage:        c.ItemsPerPage,
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.ItemsPerPage <= 0 {
		q.ItemsPerPage = DefaultItemsPerPage
	}

	keywords := map[string]string{
		"platformname": pt.Platform,
		"producttype":  pt.ProviderType,
	}
	for k, v := range c.Extra {
		k = strings.ToLower(k)
		if _, ok := mapKey[k]; !ok || k == "cloudcoverpercentage" {
			return Query{}, service.ErrMisconfigured{Key: k, Reason: "unsupported search criterion"}
		}
		keywords[k] = v
	}
	// Parameters of the product type definition
	for k, v := range pt.Parameters {
		if _, ok := keywords[k]; !ok {
			keywords[k] = v
		}
	}

	for k, v := range keywords {
		switch k {
		case "polarisationmode":
			v = strings.Replace(v, " ", "&", 1)
		case "filename":
			v = strings.Trim(v, "*")
		case "relativeorbitnumber":
			if _, err := strconv.Atoi(v); err != nil {
				return Query{}, service.ErrMisconfigured{Key: k, Reason: "must be an integer"}
			}
		}
		q.Filters = append(q.Filters, fmt.Sprintf(mapKey[k], odataEscape(v)))
	}
	sort.Strings(q.Filters)

	// Cloud cover
	if c.CloudCover != nil {
		if *c.CloudCover < 0 || *c.CloudCover > 100 {
			return Query{}, fmt.Errorf("BuildQuery: cloud cover must be in [0, 100]: %d", *c.CloudCover)
		}
		q.Filters = append(q.Filters, fmt.Sprintf(mapKey["cloudcoverpercentage"], 0, *c.CloudCover))
	}

	// Date
	if c.Start != "" {
		if c.End == "" {
			return Query{}, fmt.Errorf("BuildQuery: missing ending day")
		}
		start, err := parseDate(c.Start)
		if err != nil {
			return Query{}, fmt.Errorf("BuildQuery.start: %w", err)
		}
		end, err := parseDate(c.End)
		if err != nil {
			return Query{}, fmt.Errorf("BuildQuery.end: %w", err)
		}
		if end.Before(start) {
			return Query{}, fmt.Errorf("BuildQuery: end (%v) is before start (%v)", end, start)
		}
		q.Filters = append(q.Filters,
			fmt.Sprintf("ContentDate/Start gt %s", start.Format(odataDateFormat)),
			fmt.Sprintf("ContentDate/Start lt %s", end.Format(odataDateFormat)))
	}

	// Footprint
	if c.GeometryWKT != "" {
		aoiWKT, err := service.GeometryToWKT(c.GeometryWKT)
		if err != nil {
			return Query{}, fmt.Errorf("BuildQuery.%w", err)
		}
		q.Filters = append(q.Filters, "OData.CSC.Intersects(area=geography'SRID=4326;"+aoiWKT+"')")
	}

	return q, nil
}

func parseDate(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// odataEscape escapes the quotes of an OData string literal
func odataEscape(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
