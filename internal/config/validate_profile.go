package config

import (
	"fmt"
)

// validateProfiles checks all profile-level constraints.
func validateProfiles(profiles map[string]Profile) []error {
	if len(profiles) == 0 {
		return nil
	}

	var errs []error

	syncDirs := make(map[string]string, len(profiles))

	for name := range profiles {
		p := profiles[name]
		errs = append(errs, validateSingleProfile(name, &p)...)
		errs = append(errs, checkDuplicateSyncDir(name, &p, syncDirs)...)
	}

	return errs
}

// validateSingleProfile validates one profile's fields.
func validateSingleProfile(name string, p *Profile) []error {
	var errs []error

	errs = append(errs, validateSyncDir(name, p.SyncDir)...)
	errs = append(errs, validateRemotePath(name, p.RemotePath)...)
	errs = append(errs, validateProfileOverrides(p)...)

	return errs
}

// validateSyncDir checks that sync_dir is set.
func validateSyncDir(profileName, syncDir string) []error {
	if syncDir == "" {
		return []error{fmt.Errorf("profile.%s.sync_dir: must not be empty", profileName)}
	}

	return nil
}

// validateRemotePath checks that remote_path, if set, begins with "/".
func validateRemotePath(profileName, remotePath string) []error {
	if remotePath != "" && remotePath[0] != '/' {
		return []error{fmt.Errorf("profile.%s.remote_path: must start with /, got %q", profileName, remotePath)}
	}

	return nil
}

// checkDuplicateSyncDir ensures no two profiles share the same expanded sync_dir.
func checkDuplicateSyncDir(name string, p *Profile, seen map[string]string) []error {
	if p.SyncDir == "" {
		return nil
	}

	expanded := expandTilde(p.SyncDir)

	if other, exists := seen[expanded]; exists {
		return []error{fmt.Errorf(
			"profile.%s.sync_dir: %q conflicts with profile.%s (same directory)",
			name, p.SyncDir, other)}
	}

	seen[expanded] = name

	return nil
}

// validateProfileOverrides validates per-profile section overrides.
func validateProfileOverrides(p *Profile) []error {
	var errs []error

	if p.Filter != nil {
		errs = append(errs, validateFilter(p.Filter)...)
	}

	if p.Transfers != nil {
		errs = append(errs, validateTransfers(p.Transfers)...)
	}

	if p.Safety != nil {
		errs = append(errs, validateSafety(p.Safety)...)
	}

	if p.Sync != nil {
		errs = append(errs, validateSync(p.Sync)...)
	}

	if p.Logging != nil {
		errs = append(errs, validateLogging(p.Logging)...)
	}

	if p.Network != nil {
		errs = append(errs, validateNetwork(p.Network)...)
	}

	return errs
}
