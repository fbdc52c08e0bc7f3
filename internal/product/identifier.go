// Package product runs the configured product executors of a job, one
// orchestrator per scan type, and stores what they return.
package product

// Identifier names a product integration. The values are persisted and must
// never change.
type Identifier string

const (
	IdentifierCheckmarx  Identifier = "CHECKMARX"
	IdentifierNessus     Identifier = "NESSUS"
	IdentifierNetsparker Identifier = "NETSPARKER"
	IdentifierPDSCode    Identifier = "PDS_CODESCAN"
	IdentifierPDSWeb     Identifier = "PDS_WEBSCAN"
	IdentifierPDSInfra   Identifier = "PDS_INFRASCAN"
	IdentifierPDSLicense Identifier = "PDS_LICENSESCAN"
	IdentifierPDSSecret  Identifier = "PDS_SECRETSCAN"
	// IdentifierSereco is the built-in report collector.
	IdentifierSereco Identifier = "SERECO"
)

var knownIdentifiers = []Identifier{
	IdentifierCheckmarx, IdentifierNessus, IdentifierNetsparker,
	IdentifierPDSCode, IdentifierPDSWeb, IdentifierPDSInfra, IdentifierPDSLicense, IdentifierPDSSecret,
	IdentifierSereco,
}

// ParseIdentifier returns the identifier named s.
func ParseIdentifier(s string) (Identifier, bool) {
	for _, id := range knownIdentifiers {
		if string(id) == s {
			return id, true
		}
	}
	return "", false
}

// ScanType groups executors that run in the same phase of a job.
type ScanType string

const (
	ScanTypeCode      ScanType = "CODE_SCAN"
	ScanTypeWeb       ScanType = "WEB_SCAN"
	ScanTypeInfra     ScanType = "INFRA_SCAN"
	ScanTypeLicense   ScanType = "LICENSE_SCAN"
	ScanTypeSecret    ScanType = "SECRET_SCAN"
	ScanTypeAnalytics ScanType = "ANALYTICS"
	ScanTypeReport    ScanType = "REPORT"
)

// ScanTypes lists the scan types in the order a job runs them. REPORT is
// last so the collector sees every other result.
func ScanTypes() []ScanType {
	return []ScanType{
		ScanTypeCode, ScanTypeWeb, ScanTypeInfra, ScanTypeLicense,
		ScanTypeSecret, ScanTypeAnalytics, ScanTypeReport,
	}
}

// NetworkBased reports whether executors of t fan out per network target
// type.
func (t ScanType) NetworkBased() bool {
	return t == ScanTypeWeb || t == ScanTypeInfra
}
