package common

import (
	"net/url"
	"path/filepath"
	"strings"
)

// Product properties
const (
	PropertyUUID          = "uuid"
	PropertyTitle         = "title"
	PropertySize          = "size"
	PropertyProductType   = "providerProductType"
	PropertyPlatform      = "platform"
	PropertyMissionID     = "platformSerialIdentifier"
	PropertyStartTime     = "startTimeFromAscendingNode"
	PropertyEndTime       = "completionTimeFromAscendingNode"
	PropertyPublication   = "publicationDate"
	PropertyCloudCover    = "cloudCover"
	PropertyOrbit         = "orbitNumber"
	PropertyRelativeOrbit = "relativeOrbitNumber"
	PropertyTile          = "tileIdentifier"
	PropertyChecksum      = "checksum"
)

const fileScheme = "file://"

// Product is a catalog entry that can be downloaded
// Location is initialized to RemoteLocation and points to the local file (file:// URI) once downloaded
type Product struct {
	ID             string                 `json:"id"`
	ProductType    string                 `json:"product_type"`
	Provider       string                 `json:"provider"`
	RemoteLocation string                 `json:"remote_location"`
	Location       string                 `json:"location"`
	StorageStatus  StorageStatus          `json:"storage_status"`
	Geometry       string                 `json:"geometry,omitempty"`
	Properties     map[string]interface{} `json:"properties,omitempty"`
}

// NewProduct creates a product whose location is its remote location
func NewProduct(id, uuid, productType, remoteLocation string) *Product {
	return &Product{
		ID:             id,
		ProductType:    productType,
		RemoteLocation: remoteLocation,
		Location:       remoteLocation,
		Properties: map[string]interface{}{
			PropertyUUID:  uuid,
			PropertyTitle: id,
		},
	}
}

// UUID returns the identifier of the product in the retrieval service
func (p *Product) UUID() string {
	if s, ok := p.Properties[PropertyUUID].(string); ok {
		return s
	}
	return ""
}

// Title returns the title of the product (its ID if the title property is not set)
func (p *Product) Title() string {
	if s, ok := p.Properties[PropertyTitle].(string); ok && s != "" {
		return s
	}
	return p.ID
}

// SetLocalPath updates the location of the product to the file:// URI of the given path
func (p *Product) SetLocalPath(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	p.Location = (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}

// LocalPath returns the local path of the product if its location is a file:// URI
func (p *Product) LocalPath() (string, bool) {
	if !strings.HasPrefix(p.Location, fileScheme) {
		return "", false
	}
	u, err := url.Parse(p.Location)
	if err != nil {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}

// Job is the payload of a download request
type Job struct {
	ID       string     `json:"id"`
	Products []*Product `json:"products"`
	Extract  *bool      `json:"extract,omitempty"`
}

// JobResult is the payload sent once a job is processed
type JobResult struct {
	ID      string   `json:"id"`
	Status  Status   `json:"status"`
	Paths   []string `json:"paths"`
	Missing []string `json:"missing,omitempty"`
	Message string   `json:"message"`
}
