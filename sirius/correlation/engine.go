package correlation

import (
	"context"
	"log/slog"
	"slices"
	"sort"

	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/inventory"
	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"github.com/SiriusScan/threat-intel/sirius/product"
	"github.com/SiriusScan/threat-intel/sirius/risk"
)

// InventoryBuilder produces one user's aggregated inventory.
type InventoryBuilder interface {
	Build(ctx context.Context, userID string) (*inventory.Inventory, error)
}

// Store is the write side the engine persists through.
type Store interface {
	Upsert(ctx context.Context, userID, cveID string, f Fields) (models.Correlation, error)
}

// Summary counts what one pass did for one user.
type Summary struct {
	UserID  string `json:"userId"`
	Checked int    `json:"checked"`
	Matched int    `json:"matched"`
	Written int    `json:"written"`
	Failed  int    `json:"failed"`
}

// Engine runs the per-user correlation pass.
type Engine struct {
	inventory InventoryBuilder
	store     Store
	log       *slog.Logger
}

// NewEngine creates a new Engine instance
func NewEngine(inv InventoryBuilder, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{inventory: inv, store: store, log: logger.With("component", "correlation")}
}

// Run matches every snapshot entry against the user's inventory and upserts a
// correlation for each entry that impacts at least one endpoint. Entries
// without impacted endpoints are not written. A failed write is logged and
// the pass continues; only an inventory read failure aborts the pass.
func (e *Engine) Run(ctx context.Context, user models.User, snapshot []models.CatalogEntry) (Summary, error) {
	sum := Summary{UserID: user.ID}
	inv, err := e.inventory.Build(ctx, user.ID)
	if err != nil {
		return sum, err
	}
	if inv.Empty() {
		e.log.Debug("No inventory for user", "user_id", user.ID)
		return sum, nil
	}

	for i := range snapshot {
		entry := &snapshot[i]
		sum.Checked++

		m := match(entry, inv)
		if len(m.endpoints) == 0 {
			continue
		}
		sum.Matched++

		fields := buildFields(entry, inv, m)
		if _, err := e.store.Upsert(ctx, user.ID, entry.ID, fields); err != nil {
			sum.Failed++
			e.log.Error("Failed to store correlation", "user_id", user.ID, "cve_id", entry.ID, "error", err)
			continue
		}
		sum.Written++
	}

	e.log.Info("Correlation pass complete",
		"user_id", user.ID,
		"checked", sum.Checked,
		"matched", sum.Matched,
		"written", sum.Written,
		"failed", sum.Failed,
	)
	return sum, nil
}

type softwareKey struct {
	name    string
	version string
}

type matchResult struct {
	endpoints map[string]struct{}
	software  map[softwareKey]map[string]struct{}
}

func match(entry *models.CatalogEntry, inv *inventory.Inventory) matchResult {
	m := matchResult{
		endpoints: make(map[string]struct{}),
		software:  make(map[softwareKey]map[string]struct{}),
	}
	for _, affected := range entry.AffectedProducts {
		cp := product.Normalize(affected)
		for name, p := range inv.Products {
			if !product.Match(cp, name) {
				continue
			}
			for _, in := range p.Installs {
				m.endpoints[in.EndpointID] = struct{}{}
				key := softwareKey{name: in.Name, version: in.Version}
				if m.software[key] == nil {
					m.software[key] = make(map[string]struct{})
				}
				m.software[key][in.EndpointID] = struct{}{}
			}
		}
	}
	return m
}

func buildFields(entry *models.CatalogEntry, inv *inventory.Inventory, m matchResult) Fields {
	endpoints := sortedKeys(m.endpoints)

	software := make([]models.ImpactedSoftware, 0, len(m.software))
	for key, eps := range m.software {
		software = append(software, models.ImpactedSoftware{
			Name:      key.name,
			Version:   key.version,
			Endpoints: sortedKeys(eps),
		})
	}
	sort.Slice(software, func(i, j int) bool {
		if software[i].Name != software[j].Name {
			return software[i].Name < software[j].Name
		}
		return software[i].Version < software[j].Version
	})

	factors := risk.Factors{
		CVSSScore:           entry.CVSSScore,
		ExploitedMultiplier: risk.ExploitedMultiplier(entry.Exploited),
		EndpointCount:       len(endpoints),
	}
	for _, id := range endpoints {
		if ep, ok := inv.Endpoints[id]; ok {
			factors.InternetExposure = factors.InternetExposure || ep.InternetExposed
			factors.CriticalSystem = factors.CriticalSystem || ep.CriticalSystem
		}
	}

	details := models.ThreatDetails{
		Severity:         entry.Severity,
		Exploited:        entry.Exploited,
		KEVListed:        entry.ExploitedDate != nil || entry.Source == string(feed.SourceExploitedList),
		ExploitAvailable: entry.Exploited,
	}

	return Fields{
		ImpactedEndpoints: endpoints,
		ImpactedSoftware:  software,
		RiskScore:         risk.Score(factors),
		RiskFactors: models.RiskFactors{
			CVSSScore:           factors.CVSSScore,
			ExploitedMultiplier: factors.ExploitedMultiplier,
			EndpointCount:       factors.EndpointCount,
			InternetExposure:    factors.InternetExposure,
			CriticalSystem:      factors.CriticalSystem,
		},
		ThreatDetails:         details,
		ActionRecommendations: Recommend(entry, details, factors, software),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
