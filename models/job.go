package models

import "time"

// Job statuses.
const (
	JobStatusQueued   = "QUEUED"
	JobStatusRunning  = "RUNNING"
	JobStatusEnded    = "ENDED"
	JobStatusCanceled = "CANCELED"
	JobStatusFailed   = "FAILED"
)

// Job is one logical scan job. Configuration holds the JSON encoded scan
// configuration that decides which scan types run.
type Job struct {
	UUID            string     `json:"uuid"             db:"uuid"`
	ProjectID       string     `json:"project_id"       db:"project_id"`
	Configuration   string     `json:"configuration"    db:"configuration"`
	Status          string     `json:"status"           db:"status"` // QUEUED|RUNNING|ENDED|CANCELED|FAILED
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	Message         string     `json:"message"          db:"message"`
	CreatedAt       time.Time  `json:"created_at"       db:"created_at"`
	StartedAt       *time.Time `json:"started_at"       db:"started_at"`
	EndedAt         *time.Time `json:"ended_at"         db:"ended_at"`
	HeartbeatAt     *time.Time `json:"heartbeat_at"     db:"heartbeat_at"`
	// Owner is the token of the claim that runs the job. Every claim gets a
	// new one, so a worker whose job was requeued and claimed again can tell.
	Owner string `json:"-" db:"owner"`
}

// JobConfiguration is the decoded form of Job.Configuration. A nil section
// means the job does not request that scan type.
type JobConfiguration struct {
	CodeScan    *CodeScanConfig    `json:"codeScan,omitempty"    yaml:"codeScan,omitempty"`
	WebScan     *NetworkScanConfig `json:"webScan,omitempty"     yaml:"webScan,omitempty"`
	InfraScan   *NetworkScanConfig `json:"infraScan,omitempty"   yaml:"infraScan,omitempty"`
	LicenseScan *CodeScanConfig    `json:"licenseScan,omitempty" yaml:"licenseScan,omitempty"`
	SecretScan  *CodeScanConfig    `json:"secretScan,omitempty"  yaml:"secretScan,omitempty"`
	Analytics   *CodeScanConfig    `json:"analytics,omitempty"   yaml:"analytics,omitempty"`
}

// CodeScanConfig points at the source to scan.
type CodeScanConfig struct {
	Source SourceRef `json:"source" yaml:"source"`
}

// SourceRef is either a local directory or a git repository.
type SourceRef struct {
	Dir    string `json:"dir,omitempty"    yaml:"dir,omitempty"`
	GitURL string `json:"gitUrl,omitempty" yaml:"gitUrl,omitempty"`
	GitRef string `json:"gitRef,omitempty" yaml:"gitRef,omitempty"`
}

// NetworkScanConfig lists the targets of a web or infrastructure scan.
type NetworkScanConfig struct {
	URIs []string `json:"uris,omitempty" yaml:"uris,omitempty"`
	IPs  []string `json:"ips,omitempty"  yaml:"ips,omitempty"`
}
