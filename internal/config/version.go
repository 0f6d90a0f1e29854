package config

import "fmt"

// CurrentVersion is the configuration file format this build reads.
const CurrentVersion = 1

// Version mismatch reasons.
const (
	ReasonMissing  = "missing"
	ReasonOutdated = "outdated"
	ReasonNewer    = "newer than this build"
)

// VersionError reports a file written for another format version.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == ReasonNewer {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade partner", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is %s (current: %d); set version: %d", e.Version, e.Reason, e.Current, e.Current)
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonMissing}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonOutdated}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonNewer}
	}
	return nil
}
