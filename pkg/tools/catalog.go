package tools

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"wismo-triage/pkg/models"
)

//go:embed fixtures/catalog.yaml
var defaultCatalog []byte

// CatalogFile is the YAML layout of a fixture catalog.
type CatalogFile struct {
	Orders    []models.Order    `yaml:"orders"`
	Shipments []models.Shipment `yaml:"shipments"`
}

// Catalog serves orders and shipments from memory. It implements both
// OrderTool and TrackingTool.
type Catalog struct {
	orders    map[string]models.Order
	shipments map[string]models.Shipment
}

func NewCatalog(file CatalogFile) *Catalog {
	c := &Catalog{
		orders:    make(map[string]models.Order),
		shipments: make(map[string]models.Shipment),
	}
	for _, o := range file.Orders {
		c.orders[strings.ToUpper(o.OrderID)] = o
	}
	for _, s := range file.Shipments {
		s.Status = models.NormalizeStatus(string(s.Status))
		c.shipments[s.TrackingID] = s
	}
	return c
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (CatalogFile, error) {
	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return CatalogFile{}, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return file, nil
}

// LoadCatalogFile reads path, or the embedded fixture catalog when path is empty.
func LoadCatalogFile(path string) (CatalogFile, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return CatalogFile{}, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
	}
	return ParseCatalog(data)
}

func (c *Catalog) GetOrder(ctx context.Context, orderID, email string) (*models.Order, error) {
	order, ok := c.orders[strings.ToUpper(strings.TrimSpace(orderID))]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if models.NormalizeEmail(order.Email) != models.NormalizeEmail(email) {
		return nil, ErrEmailMismatch
	}
	return &order, nil
}

func (c *Catalog) GetTracking(ctx context.Context, trackingID string) (*models.Shipment, error) {
	shipment, ok := c.shipments[trackingID]
	if !ok {
		return nil, ErrShipmentNotFound
	}
	return &shipment, nil
}
