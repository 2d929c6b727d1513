package correlation

import (
	"fmt"
	"strings"

	"github.com/SiriusScan/threat-intel/sirius/feed"
	"github.com/SiriusScan/threat-intel/sirius/postgres/models"
	"github.com/SiriusScan/threat-intel/sirius/risk"
)

// Recommend returns the ordered remediation steps for one correlation.
// Output depends only on its inputs.
func Recommend(entry *models.CatalogEntry, details models.ThreatDetails, factors risk.Factors, software []models.ImpactedSoftware) []string {
	var recs []string

	if details.Exploited {
		recs = append(recs, fmt.Sprintf("Patch immediately: %s is known to be exploited in the wild", entry.ID))
	} else if entry.Severity == feed.SeverityCritical || entry.Severity == feed.SeverityHigh {
		recs = append(recs, fmt.Sprintf("Prioritize patching %s (%s severity)", entry.ID, entry.Severity))
	}

	for _, sw := range software {
		name := strings.TrimSpace(sw.Name)
		if sw.Version != "" {
			name += " " + sw.Version
		}
		recs = append(recs, fmt.Sprintf("Update %s on %s", name, strings.Join(sw.Endpoints, ", ")))
	}

	if factors.InternetExposure {
		recs = append(recs, "Restrict internet access to affected endpoints until patched")
	}
	if factors.CriticalSystem {
		recs = append(recs, "Schedule emergency maintenance for affected critical systems")
	}
	if details.Exploited {
		recs = append(recs, "Review affected endpoints for indicators of compromise")
	}
	if len(entry.References) > 0 {
		recs = append(recs, "See vendor advisory: "+entry.References[0])
	}
	return recs
}
