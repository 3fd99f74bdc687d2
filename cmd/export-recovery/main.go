// export-recovery is a command-line tool to rebuild the SettingsGuard export
// history from the files found in the export directory and the S3 bucket
package main

import (
	"flag"
	"os"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SettingsGuard/pkg/backup"
	"github.com/supporttools/SettingsGuard/pkg/codec"
	"github.com/supporttools/SettingsGuard/pkg/config"
	"github.com/supporttools/SettingsGuard/pkg/metadata"
	"github.com/supporttools/SettingsGuard/pkg/settings"
	"github.com/supporttools/SettingsGuard/pkg/storage/local"
)

var (
	dryRun       = flag.Bool("dry-run", false, "Perform a dry run without writing the history")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	scanLocal    = flag.Bool("local", true, "Scan the local export directory")
	scanS3       = flag.Bool("s3", true, "Scan S3 storage for exports")
	forceRebuild = flag.Bool("force", false, "Force rebuild even if a history exists")
	mergeMode    = flag.Bool("merge", false, "Merge with the existing history instead of replacing it")
)

// recoveredExport is one export file found in a destination. A file present
// in both destinations is merged into a single entry.
type recoveredExport struct {
	Kind      string
	FileName  string
	Size      int64
	ModTime   time.Time
	Checksum  string
	LocalPath string
	CloudKey  string
}

func (r recoveredExport) key() string {
	return r.Kind + "/" + r.FileName
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfiguration()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := config.NewLogger(cfg)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	existing, err := metadata.Open(cfg.HistoryFile, logger)
	if err != nil {
		logger.Warnf("Existing history could not be read: %v", err)
	}
	if n := len(existing.GetRecords()); n > 0 && !*forceRebuild && !*mergeMode {
		logger.Infof("Found existing history with %d records. Use -force to rebuild or -merge to merge.", n)
		os.Exit(0)
	}

	logger.Info("Starting export history recovery...")

	var found []recoveredExport
	if *scanLocal && cfg.Local.ExportDirectory != "" {
		localExports := scanLocalStorage(local.NewClient(cfg.Local, logger), logger)
		logger.Infof("Found %d exports in local storage", len(localExports))
		found = append(found, localExports...)
	}

	if *scanS3 && cfg.Cloud.Provider == config.ProviderS3 {
		svc, err := newS3Client(cfg.S3)
		if err != nil {
			logger.Fatalf("Failed to create S3 session: %v", err)
		}
		s3Exports := scanS3Storage(svc, cfg.S3.Bucket, cfg.S3.Prefix, logger)
		logger.Infof("Found %d exports in S3 storage", len(s3Exports))
		found = append(found, s3Exports...)
	}

	// Writes go to memory until the end so a dry run leaves the file alone
	target := metadata.NewStore("", logger)
	if *mergeMode {
		for _, r := range existing.GetRecords() {
			target.AddRecord(r)
		}
	}
	added := processRecovered(target, reconcile(found), logger)

	stats := target.GetStats()
	logger.Info("Recovery Summary:")
	logger.Infof("- Exports recovered: %d", added)
	logger.Infof("- Total records: %d", stats["totalCount"])
	logger.Infof("- Total local size: %s", humanize.Bytes(uint64(stats["totalLocalSize"].(int64))))
	logger.Infof("- Total cloud size: %s", humanize.Bytes(uint64(stats["totalCloudSize"].(int64))))

	if *dryRun {
		logger.Info("Dry run completed - no changes were saved")
		return
	}

	out := metadata.NewStore(cfg.HistoryFile, logger)
	for _, r := range target.GetRecords() {
		out.AddRecord(r)
	}
	if err := out.Save(); err != nil {
		logger.Fatalf("Failed to save export history: %v", err)
	}
	logger.Infof("Export history saved to %s", cfg.HistoryFile)
}

func newS3Client(cfg config.S3Config) (s3iface.S3API, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// scanLocalStorage lists every export category of the export directory
func scanLocalStorage(client *local.Client, logger *logrus.Logger) []recoveredExport {
	var exports []recoveredExport

	for _, kind := range backup.Kinds() {
		files, err := client.List(kind, backup.PatternFor(kind))
		if err != nil {
			logger.Warnf("Error listing %s exports: %v", kind, err)
			continue
		}
		for _, f := range files {
			r := recoveredExport{
				Kind:      kind,
				FileName:  f.Name,
				Size:      f.Size,
				ModTime:   f.ModTime,
				LocalPath: f.Path,
			}
			if kind == backup.KindSettings {
				r.Checksum = settingsChecksum(client, f.Name, logger)
			}
			exports = append(exports, r)
		}
	}

	return exports
}

// settingsChecksum hashes an artifact whose header is readable. Files that
// are not settings backups get no checksum.
func settingsChecksum(client *local.Client, name string, logger *logrus.Logger) string {
	handle, err := client.Open(backup.KindSettings, name)
	if err != nil {
		return ""
	}
	data, err := handle.Read()
	if err != nil {
		logger.Debugf("Could not read %s: %v", name, err)
		return ""
	}
	meta, err := codec.PeekMetadata(data)
	if err != nil {
		logger.Debugf("Skipping checksum of unreadable artifact %s: %v", name, err)
		return ""
	}
	logger.Debugf("Artifact %s was written by %s", name, meta.Value(settings.KeyDeviceName))
	return codec.Checksum(data)
}

// scanS3Storage lists the bucket below prefix for export files
func scanS3Storage(svc s3iface.S3API, bucket, prefix string, logger *logrus.Logger) []recoveredExport {
	var exports []recoveredExport

	params := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}

	err := svc.ListObjectsV2Pages(params, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			name := path.Base(key)

			kind, ok := backup.KindOf(name)
			if !ok {
				logger.Debugf("Skipping S3 object with non-standard name: %s", key)
				continue
			}

			exports = append(exports, recoveredExport{
				Kind:     kind,
				FileName: name,
				Size:     aws.Int64Value(obj.Size),
				ModTime:  aws.TimeValue(obj.LastModified),
				CloudKey: key,
			})
		}
		return true
	})
	if err != nil {
		logger.Errorf("Error listing S3 objects: %v", err)
	}

	return exports
}

// reconcile merges local and S3 copies of the same export
func reconcile(exports []recoveredExport) []recoveredExport {
	merged := make(map[string]recoveredExport)
	var order []string

	for _, e := range exports {
		m, ok := merged[e.key()]
		if !ok {
			merged[e.key()] = e
			order = append(order, e.key())
			continue
		}
		if e.LocalPath != "" {
			m.LocalPath = e.LocalPath
			m.Size = e.Size
		}
		if e.CloudKey != "" {
			m.CloudKey = e.CloudKey
		}
		if m.Checksum == "" {
			m.Checksum = e.Checksum
		}
		merged[e.key()] = m
	}

	out := make([]recoveredExport, 0, len(order))
	for _, k := range order {
		out = append(out, merged[k])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

// toRecord builds the history record of a recovered export. The creation
// time comes from the file name, falling back to the modification time.
func toRecord(e recoveredExport) metadata.ExportRecord {
	createdAt, ok := backup.ParseFileTime(e.FileName)
	if !ok {
		createdAt = e.ModTime
	}

	r := metadata.ExportRecord{
		Kind:        e.Kind,
		FileName:    e.FileName,
		Size:        e.Size,
		Checksum:    e.Checksum,
		CreatedAt:   createdAt,
		CompletedAt: createdAt,
		LocalStatus: metadata.StatusSkipped,
		CloudStatus: metadata.StatusSkipped,
	}
	if e.LocalPath != "" {
		r.LocalStatus = metadata.StatusSuccess
		r.LocalPath = e.LocalPath
	}
	if e.CloudKey != "" {
		r.CloudStatus = metadata.StatusSuccess
		r.CloudFileID = e.CloudKey
	}
	return r
}

// processRecovered adds records for exports the store does not know yet
func processRecovered(store *metadata.Store, exports []recoveredExport, logger *logrus.Logger) int {
	added := 0
	for _, e := range exports {
		if !store.AddRecord(toRecord(e)) {
			logger.Debugf("Skipping known export: %s", e.key())
			continue
		}
		added++
		logger.Debugf("Recovered export: %s", e.key())
	}
	return added
}
