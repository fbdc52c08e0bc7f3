package product

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/CosmoTheDev/scanorch/internal/adapter"
	"github.com/CosmoTheDev/scanorch/models"
)

// JobContext is the read-only view of a job the executors work on.
type JobContext struct {
	UUID      string
	ProjectID string
	Config    models.JobConfiguration

	canceled func() bool
}

// NewJobContext decodes the configuration of job. canceled reports the
// job's cancel flag and may be nil.
func NewJobContext(job *models.Job, canceled func() bool) (*JobContext, error) {
	jc := &JobContext{UUID: job.UUID, ProjectID: job.ProjectID, canceled: canceled}
	if job.Configuration != "" {
		if err := json.Unmarshal([]byte(job.Configuration), &jc.Config); err != nil {
			return nil, fmt.Errorf("decoding configuration of job %s: %w", job.UUID, err)
		}
	}
	return jc, nil
}

// Canceled reports whether the job was canceled.
func (j *JobContext) Canceled() bool {
	return j.canceled != nil && j.canceled()
}

// Requires reports whether the job asks for scan type t. REPORT is always
// required.
func (j *JobContext) Requires(t ScanType) bool {
	c := j.Config
	switch t {
	case ScanTypeCode:
		return c.CodeScan != nil
	case ScanTypeWeb:
		return c.WebScan != nil && (len(c.WebScan.URIs) > 0 || len(c.WebScan.IPs) > 0)
	case ScanTypeInfra:
		return c.InfraScan != nil && (len(c.InfraScan.URIs) > 0 || len(c.InfraScan.IPs) > 0)
	case ScanTypeLicense:
		return c.LicenseScan != nil
	case ScanTypeSecret:
		return c.SecretScan != nil
	case ScanTypeAnalytics:
		return c.Analytics != nil
	case ScanTypeReport:
		return true
	}
	return false
}

// Source returns the source reference used by scan type t.
func (j *JobContext) Source(t ScanType) (models.SourceRef, bool) {
	var cs *models.CodeScanConfig
	switch t {
	case ScanTypeCode:
		cs = j.Config.CodeScan
	case ScanTypeLicense:
		cs = j.Config.LicenseScan
	case ScanTypeSecret:
		cs = j.Config.SecretScan
	case ScanTypeAnalytics:
		cs = j.Config.Analytics
	}
	if cs == nil {
		return models.SourceRef{}, false
	}
	return cs.Source, true
}

// Targets splits the web or infra targets of the job by network target
// type. Only types with at least one target are returned, internet first.
func (j *JobContext) Targets(t ScanType) []adapter.NetworkTargets {
	var nc *models.NetworkScanConfig
	switch t {
	case ScanTypeWeb:
		nc = j.Config.WebScan
	case ScanTypeInfra:
		nc = j.Config.InfraScan
	}
	if nc == nil {
		return nil
	}

	internet := adapter.NetworkTargets{Type: adapter.NetworkTargetInternet}
	intranet := adapter.NetworkTargets{Type: adapter.NetworkTargetIntranet}
	for _, u := range nc.URIs {
		if isIntranetURI(u) {
			intranet.URIs = append(intranet.URIs, u)
		} else {
			internet.URIs = append(internet.URIs, u)
		}
	}
	for _, ip := range nc.IPs {
		if isIntranetHost(ip) {
			intranet.IPs = append(intranet.IPs, ip)
		} else {
			internet.IPs = append(internet.IPs, ip)
		}
	}

	var out []adapter.NetworkTargets
	for _, nt := range []adapter.NetworkTargets{internet, intranet} {
		if !nt.Empty() {
			out = append(out, nt)
		}
	}
	return out
}

var intranetSuffixes = []string{".intranet", ".internal", ".local", ".corp", ".lan"}

func isIntranetURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return isIntranetHost(raw)
	}
	return isIntranetHost(u.Hostname())
}

func isIntranetHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || !strings.Contains(host, ".") {
		return true
	}
	for _, s := range intranetSuffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	return false
}
