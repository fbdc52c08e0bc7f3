package models

import "time"

// ProductExecutorConfig is one configured instance of a product integration.
// Setup is the JSON encoded executor setup (base URL, credentials reference,
// parameters). Projects it applies to live in executor_profiles.
type ProductExecutorConfig struct {
	UUID            string    `json:"uuid"             db:"uuid"             yaml:"uuid"`
	Name            string    `json:"name"             db:"name"             yaml:"name"`
	ProductID       string    `json:"product_id"       db:"product_id"       yaml:"product"`
	ExecutorVersion int       `json:"executor_version" db:"executor_version" yaml:"version"`
	Enabled         bool      `json:"enabled"          db:"enabled"          yaml:"enabled"`
	Setup           string    `json:"setup"            db:"setup"            yaml:"-"`
	CreatedAt       time.Time `json:"created_at"       db:"created_at"       yaml:"-"`
	UpdatedAt       time.Time `json:"updated_at"       db:"updated_at"       yaml:"-"`
}

// ProductResult is the persisted outcome of one executor configuration's run
// for one job. Result may be empty when the payload lives in object storage;
// ResultRef then names the object.
type ProductResult struct {
	UUID               string     `json:"uuid"                 db:"uuid"`
	JobUUID            string     `json:"job_uuid"             db:"job_uuid"`
	ProjectID          string     `json:"project_id"           db:"project_id"`
	ProductID          string     `json:"product_id"           db:"product_id"`
	ExecutorConfigUUID string     `json:"executor_config_uuid" db:"executor_config_uuid"`
	TargetType         string     `json:"target_type,omitempty" db:"target_type"`
	Result             string     `json:"result,omitempty"     db:"result"`
	ResultRef          string     `json:"result_ref,omitempty" db:"result_ref"`
	ResultSize         int        `json:"result_size"          db:"result_size"`
	Messages           string     `json:"messages,omitempty"   db:"messages"`
	MetaData           string     `json:"metadata,omitempty"   db:"metadata"`
	Started            *time.Time `json:"started"              db:"started"`
	Ended              *time.Time `json:"ended"                db:"ended"`
	Canceled           bool       `json:"canceled"             db:"canceled"`
	Failed             bool       `json:"failed"               db:"failed"`
}
