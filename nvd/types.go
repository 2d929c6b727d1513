// Package nvd is the rich-feed adapter: it pages through the NVD CVE API 2.0
// and maps each vulnerability into a feed.Advisory.
package nvd

import "encoding/json"

// =============== Types ===============

// Page is one response of the CVE API. Vulnerabilities stay raw so that one
// item with an unexpected shape is rejected on its own instead of failing the
// whole page.
type Page struct {
	ResultsPerPage  int               `json:"resultsPerPage"`
	StartIndex      int               `json:"startIndex"`
	TotalResults    int               `json:"totalResults"`
	Format          string            `json:"format"`
	Version         string            `json:"version"`
	Timestamp       string            `json:"timestamp"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

// An item in the "vulnerabilities" array
type DefCVEItem struct {
	CVE CveItem `json:"cve"`
}

// CVE object per NVD schema, restricted to the fields the catalog uses
type CveItem struct {
	ID                    string       `json:"id"`
	SourceIdentifier      string       `json:"sourceIdentifier"`
	VulnStatus            string       `json:"vulnStatus"`
	Published             string       `json:"published"`
	LastModified          string       `json:"lastModified"`
	CisaExploitAdd        *string      `json:"cisaExploitAdd,omitempty"`
	CisaVulnerabilityName *string      `json:"cisaVulnerabilityName,omitempty"`
	Descriptions          []LangString `json:"descriptions"`
	References            []Reference  `json:"references"`
	Metrics               Metrics      `json:"metrics,omitempty"`
	Configurations        []Config     `json:"configurations,omitempty"`
}

// "descriptions" array items
type LangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

// "references" array items
type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Container for multiple CVSS versions
type Metrics struct {
	CvssMetricV40 []CvssMetric `json:"cvssMetricV40,omitempty"`
	CvssMetricV31 []CvssMetric `json:"cvssMetricV31,omitempty"`
	CvssMetricV30 []CvssMetric `json:"cvssMetricV30,omitempty"`
	CvssMetricV2  []CvssMetric `json:"cvssMetricV2,omitempty"`
}

// CvssMetric is shared by every CVSS version. v2 carries its severity next
// to cvssData rather than inside it.
type CvssMetric struct {
	Source       string   `json:"source"`
	Type         string   `json:"type"`
	CvssData     CvssData `json:"cvssData"`
	BaseSeverity string   `json:"baseSeverity,omitempty"`
}

// CvssData holds the base metrics common to all CVSS versions
type CvssData struct {
	Version      string  `json:"version"`
	VectorString string  `json:"vectorString"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity,omitempty"`
}

// "configurations" array items
type Config struct {
	Operator string `json:"operator"`
	Negate   bool   `json:"negate,omitempty"`
	Nodes    []Node `json:"nodes"`
}

// Each node in "configurations"
type Node struct {
	Operator string     `json:"operator"`
	Negate   bool       `json:"negate,omitempty"`
	CpeMatch []CpeMatch `json:"cpeMatch,omitempty"`
}

// An item in "cpeMatch"
type CpeMatch struct {
	Vulnerable            bool   `json:"vulnerable"`
	Criteria              string `json:"criteria"`
	MatchCriteriaID       string `json:"matchCriteriaId"`
	VersionStartExcluding string `json:"versionStartExcluding,omitempty"`
	VersionStartIncluding string `json:"versionStartIncluding,omitempty"`
	VersionEndExcluding   string `json:"versionEndExcluding,omitempty"`
	VersionEndIncluding   string `json:"versionEndIncluding,omitempty"`
}
