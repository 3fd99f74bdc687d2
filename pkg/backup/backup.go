// Package backup implements settings export and import across the local
// export directory and the configured cloud provider.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/codec"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/metadata"
	"github.com/supporttools/SettingsGuard/pkg/metrics"
	"github.com/supporttools/SettingsGuard/pkg/settings"
	"github.com/supporttools/SettingsGuard/pkg/storage/local"
)

var (
	// ErrConfiguration means no destination can receive the export
	ErrConfiguration = errors.New("no export destination available")
	// ErrPasswordRequired means no password was given, cached or prompted
	ErrPasswordRequired = errors.New("export password required")
	// ErrUnknownKind means an export category is not recognized
	ErrUnknownKind = errors.New("unknown export kind")
)

// Destination names used in results, history and metrics
const (
	DestinationLocal = "local"
	DestinationCloud = "cloud"
)

// Outcome is the result of writing one artifact to one destination
type Outcome struct {
	Status metadata.Status `json:"status"`
	Path   string          `json:"path,omitempty"`
	FileID string          `json:"fileId,omitempty"`
	Err    error           `json:"-"`
}

// Attempted reports whether the destination was selected for this export
func (o Outcome) Attempted() bool {
	return o.Status != metadata.StatusDisabled && o.Status != ""
}

// Failed reports whether a selected destination did not receive the artifact
func (o Outcome) Failed() bool {
	return o.Attempted() && o.Status != metadata.StatusSuccess
}

// ExportResult reports every destination independently
type ExportResult struct {
	RecordID string        `json:"recordId,omitempty"`
	Kind     string        `json:"kind"`
	FileName string        `json:"fileName"`
	Size     int64         `json:"size"`
	Checksum string        `json:"checksum,omitempty"`
	Local    Outcome       `json:"local"`
	Cloud    Outcome       `json:"cloud"`
	Duration time.Duration `json:"duration"`
}

func (r ExportResult) counts() (attempted, failed int) {
	for _, o := range []Outcome{r.Local, r.Cloud} {
		if o.Attempted() {
			attempted++
		}
		if o.Failed() {
			failed++
		}
	}
	return attempted, failed
}

// Partial reports that one destination succeeded and the other failed
func (r ExportResult) Partial() bool {
	attempted, failed := r.counts()
	return attempted == 2 && failed == 1
}

// Failed reports that no selected destination received the artifact
func (r ExportResult) Failed() bool {
	attempted, failed := r.counts()
	return attempted > 0 && failed == attempted
}

// Manager orchestrates exports and imports
type Manager struct {
	cfg       *config.AppConfig
	store     settings.Store
	codec     *codec.Codec
	local     *local.Client
	cloud     cloud.Provider
	history   *metadata.Store
	prompter  PasswordPrompter
	passwords *passwordCache
	logger    *logrus.Logger
	now       func() time.Time

	// cloud operations of one artifact are serialized; the folder resolver is not locked
	cloudMu sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithLocal sets the local export directory client
func WithLocal(c *local.Client) Option {
	return func(m *Manager) { m.local = c }
}

// WithCloud sets the cloud provider
func WithCloud(p cloud.Provider) Option {
	return func(m *Manager) { m.cloud = p }
}

// WithHistory records every export in h
func WithHistory(h *metadata.Store) Option {
	return func(m *Manager) { m.history = h }
}

// WithPrompter sets the prompter asked when no password is cached
func WithPrompter(p PasswordPrompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithCodec overrides the artifact codec
func WithCodec(c *codec.Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.passwords.now = now
	}
}

// NewManager creates a new export/import manager
func NewManager(cfg *config.AppConfig, store settings.Store, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		codec:     codec.New(),
		logger:    logger,
		now:       time.Now,
		passwords: &passwordCache{ttl: cfg.Password.CacheTTL, now: time.Now},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cloud returns the configured cloud provider, or nil
func (m *Manager) Cloud() cloud.Provider {
	return m.cloud
}

// History returns the export history, or nil
func (m *Manager) History() *metadata.Store {
	return m.history
}

// ForgetPassword drops the cached export password
func (m *Manager) ForgetPassword() {
	m.passwords.clear()
}

// destinations decides where an export of kind goes
type destinations struct {
	toLocal      bool
	cloudEnabled bool
	toCloud      bool
}

func (m *Manager) destinationsFor(kind string) destinations {
	d := m.cfg.Destinations
	var localOn, cloudOn bool
	switch kind {
	case KindCSV:
		localOn, cloudOn = d.CSVLocal, d.CSVCloud
	case KindLog:
		localOn, cloudOn = d.LogLocal, d.LogCloud
	default:
		localOn, cloudOn = d.ExportLocal, d.ExportCloud
	}

	out := destinations{
		toLocal:      localOn && m.local != nil && m.local.Configured(),
		cloudEnabled: cloudOn && m.cloud != nil,
	}
	out.toCloud = out.cloudEnabled && m.cloud.IsAuthorized()
	return out
}

func (m *Manager) remotePath(kind string) string {
	switch kind {
	case KindCSV:
		return m.cfg.Cloud.CSVPath
	case KindLog:
		return m.cfg.Cloud.LogPath
	default:
		return m.cfg.Cloud.SettingsPath
	}
}

func (m *Manager) checkDestinations(kind string, dest destinations) error {
	if dest.toLocal || dest.toCloud {
		return nil
	}
	metrics.ExportCount.WithLabelValues(kind, "none", "error").Inc()
	if dest.cloudEnabled {
		return fmt.Errorf("%w: cloud export is enabled but %w", ErrConfiguration, cloud.ErrAuthRequired)
	}
	return fmt.Errorf("%w: enable local or cloud export for %s", ErrConfiguration, kind)
}

// resolvePassword confirms a given password, or reuses the cached one, or prompts
func (m *Manager) resolvePassword(ctx context.Context, password string) (string, error) {
	if password != "" {
		m.passwords.store(password)
		return password, nil
	}
	if cached, ok := m.passwords.get(); ok {
		return cached, nil
	}
	if m.prompter == nil {
		return "", ErrPasswordRequired
	}
	prompted, err := m.prompter.PromptPassword(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPasswordRequired, err)
	}
	if prompted == "" {
		return "", ErrPasswordRequired
	}
	m.passwords.store(prompted)
	return prompted, nil
}

// ExportNow snapshots the settings store, encrypts it once and writes the
// artifact to every available destination
func (m *Manager) ExportNow(ctx context.Context, password string) (ExportResult, error) {
	start := m.now()
	dest := m.destinationsFor(KindSettings)
	if err := m.checkDestinations(KindSettings, dest); err != nil {
		return ExportResult{}, err
	}

	pw, err := m.resolvePassword(ctx, password)
	if err != nil {
		return ExportResult{}, err
	}

	values, err := m.store.GetAll(ctx)
	if err != nil {
		return ExportResult{}, fmt.Errorf("failed to read settings: %w", err)
	}
	snapshot := settings.NewSnapshot(values, settings.BuildMetadata(m.cfg.Device, start))

	artifact, err := m.codec.Encrypt(snapshot, pw)
	if err != nil {
		metrics.ExportCount.WithLabelValues(KindSettings, "none", "error").Inc()
		return ExportResult{}, fmt.Errorf("failed to encrypt settings: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"settings": snapshot.Len(),
		"size":     humanize.Bytes(uint64(len(artifact))),
	}).Info("Encrypted settings snapshot")

	return m.deliver(ctx, KindSettings, FileName(KindSettings, start), artifact, codec.Checksum(artifact), dest, start), nil
}

// ExportFile routes a pre-serialized CSV or log payload through the
// destinations configured for its kind. An empty name gets a timestamped one.
func (m *Manager) ExportFile(ctx context.Context, kind, name string, data []byte) (ExportResult, error) {
	if kind != KindCSV && kind != KindLog {
		return ExportResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	start := m.now()
	dest := m.destinationsFor(kind)
	if err := m.checkDestinations(kind, dest); err != nil {
		return ExportResult{}, err
	}
	if name == "" {
		name = FileName(kind, start)
	}
	return m.deliver(ctx, kind, name, data, "", dest, start), nil
}

// deliver writes the same bytes to each destination concurrently. Each
// destination records its own outcome; neither aborts the other.
func (m *Manager) deliver(ctx context.Context, kind, name string, data []byte, checksum string, dest destinations, start time.Time) ExportResult {
	result := ExportResult{
		Kind:     kind,
		FileName: name,
		Size:     int64(len(data)),
		Checksum: checksum,
		Local:    Outcome{Status: metadata.StatusDisabled},
		Cloud:    Outcome{Status: metadata.StatusDisabled},
	}
	if dest.cloudEnabled && !dest.toCloud {
		result.Cloud = Outcome{Status: metadata.StatusSkipped, Err: cloud.ErrAuthRequired}
	}

	var record metadata.ExportRecord
	if m.history != nil {
		record = m.history.CreateRecord(kind, name, result.Size, checksum)
		result.RecordID = record.ID
	}

	g, gctx := errgroup.WithContext(ctx)
	if dest.toLocal {
		g.Go(func() error {
			result.Local = m.writeLocal(kind, name, data)
			return nil
		})
	}
	if dest.toCloud {
		g.Go(func() error {
			result.Cloud = m.writeCloud(gctx, kind, name, data)
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = m.now().Sub(start)
	m.recordOutcomes(record.ID, result)
	return result
}

func (m *Manager) writeLocal(kind, name string, data []byte) Outcome {
	handle, err := m.local.NewFile(kind, name)
	if err != nil {
		return Outcome{Status: metadata.StatusError, Err: err}
	}
	if err := handle.Write(data); err != nil {
		return Outcome{Status: metadata.StatusError, Err: err}
	}
	m.logger.WithField("destination", DestinationLocal).Infof("Wrote %s to %s", name, handle.Path)
	return Outcome{Status: metadata.StatusSuccess, Path: handle.Path}
}

func (m *Manager) writeCloud(ctx context.Context, kind, name string, data []byte) Outcome {
	m.cloudMu.Lock()
	defer m.cloudMu.Unlock()

	info, err := m.cloud.Upload(ctx, name, data, MIMEType(kind), m.remotePath(kind))
	if err != nil {
		return Outcome{Status: metadata.StatusError, Err: err}
	}
	m.logger.WithField("destination", DestinationCloud).Infof("Uploaded %s to %s", name, m.cloud.Name())
	return Outcome{Status: metadata.StatusSuccess, FileID: info.ID}
}

// recordOutcomes updates history, metrics and logs once all destinations settled
func (m *Manager) recordOutcomes(recordID string, result ExportResult) {
	kind := result.Kind
	metrics.ExportDuration.WithLabelValues(kind).Observe(result.Duration.Seconds())
	metrics.ArtifactSize.WithLabelValues(kind).Set(float64(result.Size))

	for _, d := range []struct {
		name    string
		outcome Outcome
	}{{DestinationLocal, result.Local}, {DestinationCloud, result.Cloud}} {
		if !d.outcome.Attempted() {
			continue
		}
		metrics.ExportCount.WithLabelValues(kind, d.name, string(d.outcome.Status)).Inc()
		if d.outcome.Status == metadata.StatusSuccess {
			metrics.LastExportTimestamp.WithLabelValues(kind, d.name).Set(float64(m.now().Unix()))
		} else {
			m.logger.WithFields(logrus.Fields{
				"destination": d.name,
				"kind":        kind,
				"file":        result.FileName,
			}).Errorf("Export failed: %v", d.outcome.Err)
		}
	}

	if m.history != nil && recordID != "" {
		if err := m.history.UpdateLocalStatus(recordID, result.Local.Status, result.Local.Path, errString(result.Local.Err)); err != nil {
			m.logger.Warnf("Failed to update export history: %v", err)
		}
		if err := m.history.UpdateCloudStatus(recordID, result.Cloud.Status, result.Cloud.FileID, errString(result.Cloud.Err)); err != nil {
			m.logger.Warnf("Failed to update export history: %v", err)
		}
	}

	switch {
	case result.Failed():
		m.logger.Errorf("Export of %s failed at every destination", result.FileName)
	case result.Partial():
		m.logger.Warnf("Export of %s only partially succeeded", result.FileName)
	default:
		m.logger.Infof("Export of %s completed in %s", result.FileName, result.Duration)
	}
}

// CountCloudExports counts settings artifacts in the selected cloud folder
func (m *Manager) CountCloudExports(ctx context.Context) (int, error) {
	if m.cloud == nil {
		return 0, fmt.Errorf("%w: no cloud provider configured", ErrConfiguration)
	}
	return m.cloud.CountMatching(ctx, SettingsPattern)
}

// EnforceRetention removes expired local exports of every kind and marks
// them deleted in the history. It returns the number of files removed.
func (m *Manager) EnforceRetention() (int, error) {
	if m.local == nil || !m.local.Configured() {
		return 0, nil
	}

	now := m.now()
	total := 0
	var errs []error
	for _, kind := range Kinds() {
		removed, err := m.local.EnforceRetention(kind, PatternFor(kind), now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		for _, path := range removed {
			if m.history != nil {
				m.history.MarkLocalDeleted(path)
			}
			metrics.RetentionDeletes.Inc()
		}
		total += len(removed)
	}
	return total, errors.Join(errs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
