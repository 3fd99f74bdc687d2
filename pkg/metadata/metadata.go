// Package metadata manages tracking and persistence of export history.
package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
)

// Status represents the outcome of an export at one destination
type Status string

const (
	// StatusPending indicates a write is in progress
	StatusPending Status = "pending"
	// StatusSuccess indicates a successful write
	StatusSuccess Status = "success"
	// StatusError indicates a failed write
	StatusError Status = "error"
	// StatusSkipped indicates the destination was enabled but unavailable
	StatusSkipped Status = "skipped"
	// StatusDisabled indicates the destination was not selected
	StatusDisabled Status = "disabled"
	// StatusDeleted indicates a local file removed by retention policy
	StatusDeleted Status = "deleted"
)

// ExportRecord describes one export and its outcome per destination
type ExportRecord struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // settings, csv or log
	FileName    string    `json:"fileName"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`

	LocalStatus Status `json:"localStatus"`
	LocalPath   string `json:"localPath,omitempty"`
	LocalError  string `json:"localError,omitempty"`

	CloudStatus Status `json:"cloudStatus"`
	CloudFileID string `json:"cloudFileId,omitempty"`
	CloudError  string `json:"cloudError,omitempty"`
}

// Succeeded reports whether at least one destination holds the artifact
func (r ExportRecord) Succeeded() bool {
	return r.LocalStatus == StatusSuccess || r.CloudStatus == StatusSuccess
}

// History is the persisted document
type History struct {
	Records        []ExportRecord `json:"records"`
	LastUpdated    time.Time      `json:"lastUpdated"`
	TotalLocalSize int64          `json:"totalLocalSize"`
	TotalCloudSize int64          `json:"totalCloudSize"`
	Version        string         `json:"version"`
}

// Store keeps the export history in memory and mirrors it to a JSON file.
// An empty path keeps the history in memory only.
type Store struct {
	history  History
	mutex    sync.RWMutex
	filepath string
	logger   *logrus.Logger
	now      func() time.Time
}

// NewStore creates an empty history store backed by path
func NewStore(path string, logger *logrus.Logger) *Store {
	return &Store{
		history: History{
			Records:     make([]ExportRecord, 0),
			LastUpdated: time.Now(),
			Version:     "1.0",
		},
		filepath: path,
		logger:   logger,
		now:      time.Now,
	}
}

// Open creates a store and loads any existing history. A corrupted file is
// moved aside to <path>.corrupt, reported, and the store starts empty.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	s := NewStore(path, logger)
	if err := s.Load(); err != nil {
		return s, err
	}
	return s, nil
}

// Path returns the history file location
func (s *Store) Path() string {
	return s.filepath
}

// Load loads the history from file, creating it when missing
func (s *Store) Load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.filepath == "" {
		return nil
	}

	if _, err := os.Stat(s.filepath); os.IsNotExist(err) {
		s.logger.Infof("Export history file does not exist at %s, will create new", s.filepath)
		return s.save()
	}

	data, err := os.ReadFile(s.filepath)
	if err != nil {
		return fmt.Errorf("failed to read export history file: %w", err)
	}

	var loaded History
	if err := json.Unmarshal(data, &loaded); err != nil {
		aside := s.filepath + ".corrupt"
		if rerr := os.Rename(s.filepath, aside); rerr != nil {
			return fmt.Errorf("failed to unmarshal export history: %w (could not move it aside: %v)", err, rerr)
		}
		s.logger.Warnf("Export history at %s is unreadable, moved to %s", s.filepath, aside)
		return fmt.Errorf("failed to unmarshal export history, kept as %s: %w", aside, err)
	}
	if loaded.Records == nil {
		loaded.Records = make([]ExportRecord, 0)
	}
	s.history = loaded
	s.recalculateTotals()

	s.logger.Infof("Loaded export history with %d records", len(s.history.Records))
	return nil
}

// Save persists the history to file
func (s *Store) Save() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.save()
}

// save performs the write; the caller holds the lock
func (s *Store) save() error {
	s.history.LastUpdated = s.now()
	s.recalculateTotals()

	if s.filepath == "" {
		return nil
	}

	data, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.filepath), 0750); err != nil {
		return fmt.Errorf("failed to create directory for export history: %w", err)
	}

	if err := atomic.WriteFile(s.filepath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write export history file: %w", err)
	}

	s.logger.Debugf("Saved export history with %d records to %s", len(s.history.Records), s.filepath)
	return nil
}

// saveOrWarn is used by mutations whose in-memory effect stands even when
// the file cannot be written
func (s *Store) saveOrWarn() {
	if err := s.save(); err != nil {
		s.logger.Warnf("Export history not persisted: %v", err)
	}
}

// recalculateTotals updates the total size fields
func (s *Store) recalculateTotals() {
	var localSize, cloudSize int64

	for _, r := range s.history.Records {
		if r.LocalStatus == StatusSuccess {
			localSize += r.Size
		}
		if r.CloudStatus == StatusSuccess {
			cloudSize += r.Size
		}
	}

	s.history.TotalLocalSize = localSize
	s.history.TotalCloudSize = cloudSize
}

// CreateRecord registers a new export with both destinations pending
func (s *Store) CreateRecord(kind, fileName string, size int64, checksum string) ExportRecord {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record := ExportRecord{
		ID:          uuid.New().String(),
		Kind:        kind,
		FileName:    fileName,
		Size:        size,
		Checksum:    checksum,
		CreatedAt:   s.now(),
		LocalStatus: StatusPending,
		CloudStatus: StatusPending,
	}
	s.history.Records = append(s.history.Records, record)
	s.saveOrWarn()

	return record
}

// AddRecord inserts a fully formed record unless one with the same kind and
// file name is already known. It reports whether the record was added.
func (s *Store) AddRecord(record ExportRecord) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, r := range s.history.Records {
		if r.Kind == record.Kind && r.FileName == record.FileName {
			return false
		}
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	s.history.Records = append(s.history.Records, record)
	s.saveOrWarn()
	return true
}

func (s *Store) update(id string, fn func(r *ExportRecord)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range s.history.Records {
		if s.history.Records[i].ID == id {
			fn(&s.history.Records[i])
			r := &s.history.Records[i]
			if r.LocalStatus != StatusPending && r.CloudStatus != StatusPending {
				r.CompletedAt = s.now()
			}
			return s.save()
		}
	}

	return fmt.Errorf("export record with ID %s not found", id)
}

// UpdateLocalStatus records the local destination outcome
func (s *Store) UpdateLocalStatus(id string, status Status, path, errorMsg string) error {
	return s.update(id, func(r *ExportRecord) {
		r.LocalStatus = status
		r.LocalPath = path
		r.LocalError = errorMsg
	})
}

// UpdateCloudStatus records the cloud destination outcome
func (s *Store) UpdateCloudStatus(id string, status Status, fileID, errorMsg string) error {
	return s.update(id, func(r *ExportRecord) {
		r.CloudStatus = status
		r.CloudFileID = fileID
		r.CloudError = errorMsg
	})
}

// MarkLocalDeleted flags every record whose local file is path as deleted
func (s *Store) MarkLocalDeleted(path string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	found := false
	for i, r := range s.history.Records {
		if r.LocalPath == path && r.LocalStatus == StatusSuccess {
			s.history.Records[i].LocalStatus = StatusDeleted
			found = true
		}
	}
	if found {
		s.saveOrWarn()
	}
	return found
}

// GetRecords returns all records, newest first
func (s *Store) GetRecords() []ExportRecord {
	return s.GetRecordsFiltered("", false)
}

// GetRecordsFiltered returns records of kind (all kinds when empty), newest
// first, optionally only those that reached at least one destination
func (s *Store) GetRecordsFiltered(kind string, successfulOnly bool) []ExportRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]ExportRecord, 0, len(s.history.Records))
	for _, r := range s.history.Records {
		if kind != "" && r.Kind != kind {
			continue
		}
		if successfulOnly && !r.Succeeded() {
			continue
		}
		result = append(result, r)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// GetRecordByID returns a specific record
func (s *Store) GetRecordByID(id string) (ExportRecord, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, r := range s.history.Records {
		if r.ID == id {
			return r, true
		}
	}
	return ExportRecord{}, false
}

// GetStats returns statistics about the exports
func (s *Store) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	kindCount := make(map[string]int)
	localCounts := make(map[string]int)
	cloudCounts := make(map[string]int)
	var lastExport time.Time

	for _, r := range s.history.Records {
		kindCount[r.Kind]++
		localCounts[string(r.LocalStatus)]++
		cloudCounts[string(r.CloudStatus)]++
		if r.Succeeded() && r.CreatedAt.After(lastExport) {
			lastExport = r.CreatedAt
		}
	}

	stats := map[string]interface{}{
		"totalCount":       len(s.history.Records),
		"totalLocalSize":   s.history.TotalLocalSize,
		"totalCloudSize":   s.history.TotalCloudSize,
		"kindDistribution": kindCount,
		"localStatus":      localCounts,
		"cloudStatus":      cloudCounts,
		"lastExportTime":   nil,
	}
	if !lastExport.IsZero() {
		stats["lastExportTime"] = lastExport
	}
	return stats
}

// PurgeDeleted removes records whose local copy was deleted, which never
// reached the cloud, and which are older than olderThan
func (s *Store) PurgeDeleted(olderThan time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	threshold := s.now().Add(-olderThan)
	kept := make([]ExportRecord, 0, len(s.history.Records))
	removed := 0

	for _, r := range s.history.Records {
		if r.LocalStatus != StatusDeleted || r.CloudStatus == StatusSuccess || r.CreatedAt.After(threshold) {
			kept = append(kept, r)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.history.Records = kept
		s.saveOrWarn()
	}
	return removed
}
