package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"strconv"
)

// MetaDataVersion is written into every new MetaData.
const MetaDataVersion = 1

// MetaData is the durable milestone bag of one (job, executor config) pair.
// A present key is evidence that the work it names has been done; adapters
// check for it before repeating that work.
type MetaData struct {
	Version int               `json:"version"`
	Values  map[string]string `json:"values"`
}

// NewMetaData returns an empty bag.
func NewMetaData() *MetaData {
	return &MetaData{Version: MetaDataVersion, Values: map[string]string{}}
}

// ParseMetaData decodes the persisted form. An empty string yields nil.
func ParseMetaData(s string) (*MetaData, error) {
	if s == "" {
		return nil, nil
	}
	var md MetaData
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, fmt.Errorf("decoding adapter metadata: %w", err)
	}
	if md.Values == nil {
		md.Values = map[string]string{}
	}
	return &md, nil
}

// Encode returns the persisted form.
func (m *MetaData) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding adapter metadata: %w", err)
	}
	return string(b), nil
}

// Clone returns an independent copy.
func (m *MetaData) Clone() *MetaData {
	if m == nil {
		return nil
	}
	return &MetaData{Version: m.Version, Values: maps.Clone(m.Values)}
}

// Has reports whether key has been recorded.
func (m *MetaData) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.Values[key]
	return ok
}

// Value returns the raw value of key.
func (m *MetaData) Value(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.Values[key]
	return v, ok
}

func (m *MetaData) Set(key, value string) {
	if m.Values == nil {
		m.Values = map[string]string{}
	}
	m.Values[key] = value
}

func (m *MetaData) SetLong(key string, value int64) { m.Set(key, strconv.FormatInt(value, 10)) }

func (m *MetaData) SetBool(key string, value bool) { m.Set(key, strconv.FormatBool(value)) }

func (m *MetaData) SetURI(key string, value *url.URL) { m.Set(key, value.String()) }

// Long returns key as int64. ok is false when the key is absent.
func (m *MetaData) Long(key string) (value int64, ok bool, err error) {
	s, ok := m.Value(key)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("metadata %s is not a number: %w", key, err)
	}
	return v, true, nil
}

// Bool returns key as bool; absent keys are false.
func (m *MetaData) Bool(key string) bool {
	s, ok := m.Value(key)
	if !ok {
		return false
	}
	v, _ := strconv.ParseBool(s)
	return v
}

// URI returns key parsed as a URL, or nil when absent.
func (m *MetaData) URI(key string) (*url.URL, error) {
	s, ok := m.Value(key)
	if !ok {
		return nil, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("metadata %s is not a uri: %w", key, err)
	}
	return u, nil
}

// Remove drops key. Only the executor layer uses this, to force a stage to
// run again (for instance when falling back to a full scan).
func (m *MetaData) Remove(key string) {
	if m != nil {
		delete(m.Values, key)
	}
}

// MetaDataCallback loads and durably stores the metadata of the running
// (job, executor config) pair. Persist must not return before the data is
// durable.
type MetaDataCallback interface {
	LoadOrNil(ctx context.Context) (*MetaData, error)
	Persist(ctx context.Context, md *MetaData) error
}
