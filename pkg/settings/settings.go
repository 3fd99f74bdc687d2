// Package settings defines the settings snapshot model and the stores holding live settings.
package settings

import (
	"context"
	"sort"
	"time"

	"github.com/supporttools/SettingsGuard/pkg/config"
)

// Status grades a metadata entry when an artifact is inspected for import
type Status string

const (
	// StatusOK means the entry matches this installation
	StatusOK Status = "OK"
	// StatusWarning means the entry differs but import is still safe
	StatusWarning Status = "WARNING"
	// StatusError means the entry blocks a clean import
	StatusError Status = "ERROR"
)

// MetadataKey names a well-known artifact header field
type MetadataKey string

// Well-known header fields
const (
	KeyDeviceName MetadataKey = "device_name"
	KeyCreatedAt  MetadataKey = "created_at"
	KeyAppVersion MetadataKey = "app_version"
	KeyAppFlavor  MetadataKey = "app_flavor"
	KeyEncryption MetadataKey = "encryption"
)

// EncryptionEnabled is the only accepted value of the encryption marker
const EncryptionEnabled = "Enabled"

// MetadataEntry is one header value with its import status
type MetadataEntry struct {
	Value  string `json:"value"`
	Status Status `json:"status"`
}

// Metadata is the plaintext header carried by every artifact
type Metadata map[MetadataKey]MetadataEntry

// HasErrors reports whether any entry carries ERROR status
func (m Metadata) HasErrors() bool {
	for _, e := range m {
		if e.Status == StatusError {
			return true
		}
	}
	return false
}

// Warnings returns the keys carrying WARNING status, sorted
func (m Metadata) Warnings() []MetadataKey {
	var keys []MetadataKey
	for k, e := range m {
		if e.Status == StatusWarning {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Value returns the raw value for key, or an empty string
func (m Metadata) Value(key MetadataKey) string {
	return m[key].Value
}

// Clone returns an independent copy
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// BuildMetadata creates the header for an export taken now on the given device
func BuildMetadata(device config.DeviceConfig, now time.Time) Metadata {
	return Metadata{
		KeyDeviceName: {Value: device.Name, Status: StatusOK},
		KeyCreatedAt:  {Value: now.UTC().Format(time.RFC3339), Status: StatusOK},
		KeyAppVersion: {Value: device.AppVersion, Status: StatusOK},
		KeyAppFlavor:  {Value: device.AppFlavor, Status: StatusOK},
		KeyEncryption: {Value: EncryptionEnabled, Status: StatusOK},
	}
}

// Snapshot is an immutable copy of the settings store plus its header
type Snapshot struct {
	values   map[string]string
	metadata Metadata
}

// NewSnapshot copies values and metadata into a new snapshot
func NewSnapshot(values map[string]string, metadata Metadata) Snapshot {
	v := make(map[string]string, len(values))
	for k, val := range values {
		v[k] = val
	}
	return Snapshot{values: v, metadata: metadata.Clone()}
}

// Values returns a copy of the key/value pairs
func (s Snapshot) Values() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Metadata returns a copy of the header
func (s Snapshot) Metadata() Metadata {
	return s.metadata.Clone()
}

// Keys returns the setting keys in lexical order
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of settings
func (s Snapshot) Len() int {
	return len(s.values)
}

// WithMetadata returns a snapshot sharing the values with a replaced header
func (s Snapshot) WithMetadata(metadata Metadata) Snapshot {
	return Snapshot{values: s.values, metadata: metadata.Clone()}
}

// Store is the live key-value settings store being backed up
type Store interface {
	// GetAll returns every setting
	GetAll(ctx context.Context) (map[string]string, error)

	// Put writes a single setting
	Put(ctx context.Context, key, value string) error

	// Clear removes every setting
	Clear(ctx context.Context) error

	// ReplaceAll clears the store and writes values as one unit
	ReplaceAll(ctx context.Context, values map[string]string) error
}
