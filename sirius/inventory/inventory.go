// Package inventory turns a user's recent software scans into the
// normalized product view the correlation pass matches against.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"github.com/SiriusScan/threat-intel/sirius/product"
)

// DefaultScanLimit is how many of a user's most recent scans are considered.
const DefaultScanLimit = 10

// Source reads inventory scans produced by the device analyzer.
type Source interface {
	// RecentScans returns up to limit scans for userID, newest first.
	RecentScans(ctx context.Context, userID string, limit int) ([]models.InventoryScan, error)
}

// Directory lists the users a correlation pass runs for.
type Directory interface {
	Users(ctx context.Context) ([]models.User, error)
}

// Install is one raw software row on one endpoint.
type Install struct {
	EndpointID string
	Name       string
	Version    string
}

// Product groups every install whose name normalizes to the same string.
type Product struct {
	Name     string
	Installs []Install
}

// EndpointIDs returns the sorted, de-duplicated endpoints the product runs on.
func (p *Product) EndpointIDs() []string {
	ids := make([]string, 0, len(p.Installs))
	for _, in := range p.Installs {
		ids = append(ids, in.EndpointID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Endpoint is the most recent view of one endpoint.
type Endpoint struct {
	ID              string
	ScannedAt       time.Time
	InternetExposed bool
	CriticalSystem  bool
	Software        []models.SoftwareRow
}

// Inventory is one user's aggregated software view.
type Inventory struct {
	UserID    string
	Products  map[string]*Product
	Endpoints map[string]*Endpoint
}

// ProductNames returns the normalized product names in sorted order.
func (inv *Inventory) ProductNames() []string {
	names := make([]string, 0, len(inv.Products))
	for name := range inv.Products {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether the user has no usable software rows.
func (inv *Inventory) Empty() bool {
	return len(inv.Products) == 0
}

// Aggregator builds inventories from a Source.
type Aggregator struct {
	source Source
	limit  int
	log    *slog.Logger
}

// NewAggregator returns an Aggregator reading at most limit scans per user.
// A non-positive limit uses DefaultScanLimit.
func NewAggregator(source Source, limit int, logger *slog.Logger) *Aggregator {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{source: source, limit: limit, log: logger.With("component", "inventory")}
}

// Build aggregates the user's last scans. For every endpoint only its most
// recent scan contributes software rows and exposure flags.
func (a *Aggregator) Build(ctx context.Context, userID string) (*Inventory, error) {
	scans, err := a.source.RecentScans(ctx, userID, a.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load inventory for user %s: %w", userID, err)
	}
	return Aggregate(userID, scans), nil
}

// Aggregate builds an Inventory from scans in any order.
func Aggregate(userID string, scans []models.InventoryScan) *Inventory {
	inv := &Inventory{
		UserID:    userID,
		Products:  make(map[string]*Product),
		Endpoints: make(map[string]*Endpoint),
	}

	ordered := slices.Clone(scans)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ScannedAt.After(ordered[j].ScannedAt)
	})

	for _, scan := range ordered {
		if scan.EndpointID == "" {
			continue
		}
		if _, seen := inv.Endpoints[scan.EndpointID]; seen {
			continue
		}
		inv.Endpoints[scan.EndpointID] = &Endpoint{
			ID:              scan.EndpointID,
			ScannedAt:       scan.ScannedAt,
			InternetExposed: scan.InternetExposed,
			CriticalSystem:  scan.CriticalSystem,
			Software:        scan.Software,
		}

		for _, row := range scan.Software {
			name := product.Normalize(row.Name)
			if name == "" {
				continue
			}
			p, ok := inv.Products[name]
			if !ok {
				p = &Product{Name: name}
				inv.Products[name] = p
			}
			p.Installs = append(p.Installs, Install{
				EndpointID: scan.EndpointID,
				Name:       row.Name,
				Version:    row.Version,
			})
		}
	}
	return inv
}
