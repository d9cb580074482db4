package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "DROPBOX_GO_CONFIG"
	EnvProfile = "DROPBOX_GO_PROFILE"
	EnvSyncDir = "DROPBOX_GO_SYNC_DIR"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // DROPBOX_GO_CONFIG: override config file path
	Profile    string // DROPBOX_GO_PROFILE: active profile name
	SyncDir    string // DROPBOX_GO_SYNC_DIR: sync directory override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		Profile:    os.Getenv(EnvProfile),
		SyncDir:    os.Getenv(EnvSyncDir),
	}
}
