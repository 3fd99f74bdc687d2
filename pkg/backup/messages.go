package backup

import (
	"errors"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
	"github.com/supporttools/SettingsGuard/pkg/codec"
	"github.com/supporttools/SettingsGuard/pkg/storage/local"
)

// UserMessage maps an export or import failure to text for the user.
// Permanent remote errors are shown verbatim.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cloud.ErrAuthRequired):
		return "Cloud storage is not authorized. Please sign in again."
	case errors.Is(err, ErrConfiguration):
		return "No export destination is available. Enable local or cloud export and select an export directory."
	case errors.Is(err, ErrPasswordRequired):
		return "An export password is required."
	case errors.Is(err, local.ErrFileNotFound):
		return "File not found."
	case errors.Is(err, local.ErrDirectoryNotConfigured):
		return "The export directory is not configured or not writable."
	case errors.Is(err, local.ErrIO):
		return "Could not read or write the export file."
	case errors.Is(err, cloud.ErrTransient):
		return "Connection failed. Please try again later."
	case errors.Is(err, cloud.ErrVerificationFailed):
		return "Upload verification failed."
	case errors.Is(err, codec.ErrWrongPassword), errors.Is(err, codec.ErrEmptyPassword):
		return "Wrong password."
	case errors.Is(err, codec.ErrMalformed), errors.Is(err, codec.ErrUnsupportedVersion):
		return "The file is not a readable settings backup."
	case errors.Is(err, ErrImportNotPossible):
		return "The backup contains no settings."
	case errors.Is(err, ErrImportNotClean):
		return "The backup was made by an incompatible installation."
	}
	return err.Error()
}
