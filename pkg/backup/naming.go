package backup

import (
	"fmt"
	"regexp"
	"time"
)

// Export categories. Each has its own local subdirectory and remote folder.
const (
	KindSettings = "settings"
	KindCSV      = "csv"
	KindLog      = "log"
)

const timestampLayout = "2006-01-02_150405"

// SettingsPattern matches settings artifact names
var SettingsPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{6}.*\.json$`)

var kindPatterns = map[string]*regexp.Regexp{
	KindSettings: SettingsPattern,
	KindCSV:      regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{6}.*\.csv$`),
	KindLog:      regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{6}.*\.log$`),
}

// Kinds lists the export categories
func Kinds() []string {
	return []string{KindSettings, KindCSV, KindLog}
}

// ValidKind reports whether kind is a known export category
func ValidKind(kind string) bool {
	_, ok := kindPatterns[kind]
	return ok
}

// PatternFor returns the file name pattern of kind
func PatternFor(kind string) *regexp.Regexp {
	return kindPatterns[kind]
}

// FileName builds the timestamped name for an export of kind taken at t
func FileName(kind string, t time.Time) string {
	stamp := t.Format(timestampLayout)
	switch kind {
	case KindCSV:
		return fmt.Sprintf("%s_csv.csv", stamp)
	case KindLog:
		return fmt.Sprintf("%s_log.log", stamp)
	default:
		return fmt.Sprintf("%s_settings.json", stamp)
	}
}

// MIMEType returns the content type uploaded for kind
func MIMEType(kind string) string {
	switch kind {
	case KindCSV:
		return "text/csv"
	case KindLog:
		return "text/plain"
	default:
		return "application/json"
	}
}

// KindOf returns the export category whose name pattern matches name
func KindOf(name string) (string, bool) {
	for _, kind := range Kinds() {
		if kindPatterns[kind].MatchString(name) {
			return kind, true
		}
	}
	return "", false
}

// ParseFileTime extracts the timestamp an export name starts with
func ParseFileTime(name string) (time.Time, bool) {
	if len(name) < len(timestampLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(timestampLayout, name[:len(timestampLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
