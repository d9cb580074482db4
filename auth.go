package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dropbox-go/internal/config"
	"github.com/tonimelisma/dropbox-go/internal/dropbox"
)

// defaultProfileNameFlag is used when --profile is omitted on login.
const defaultProfileNameFlag = "default"

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize dropbox-go against a Dropbox account",
		Long: `Run the OAuth2 authorization code + PKCE flow against Dropbox, opening a
browser for the user to approve access, then save the resulting token and
add (or update) a profile section in the config file.

--app-key is required the first time a profile logs in; on subsequent
logins for the same profile it is read back from the config file.`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runLogin,
	}

	cmd.Flags().String("app-key", "", "OAuth2 app key registered in the Dropbox App Console")
	cmd.Flags().String("remote-path", "/", "remote subtree to sync")

	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := buildLogger(nil)

	name := flagProfile
	if name == "" {
		name = defaultProfileNameFlag
	}

	cfgPath := loginConfigPath(logger)

	cfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	appKey, err := cmd.Flags().GetString("app-key")
	if err != nil {
		return err
	}

	existing, hasProfile := cfg.Profiles[name]
	if appKey == "" {
		appKey = existing.AppKey
	}

	if appKey == "" {
		return fmt.Errorf("--app-key is required for the first login of profile %q", name)
	}

	remotePath, err := cmd.Flags().GetString("remote-path")
	if err != nil {
		return err
	}

	syncDir := flagSyncDir
	if syncDir == "" {
		syncDir = existing.SyncDir
	}

	if syncDir == "" {
		return fmt.Errorf("--sync-dir is required for the first login of profile %q", name)
	}

	tokenPath := config.ProfileTokenPath(name)

	ts, err := dropbox.LoginWithBrowser(ctx, appKey, tokenPath, openBrowser, logger)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	client := newDropboxClient(ts, logger)

	account, err := client.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching account info: %w", err)
	}

	if err := persistProfile(cfgPath, name, appKey, account.AccountID, syncDir, remotePath, hasProfile); err != nil {
		return err
	}

	statusf(flagQuiet, "Logged in as %s (%s), profile %q\n", account.Email, account.DisplayName, name)

	return nil
}

// loginConfigPath resolves the config file path from CLI/env only, ahead
// of any profile being defined yet.
func loginConfigPath(logger *slog.Logger) string {
	return config.ResolveConfigPath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: flagConfigPath}, logger)
}

// persistProfile writes or updates the profile's login-derived fields in
// the config file, creating the file from the template if it does not
// exist yet.
func persistProfile(cfgPath, name, appKey, accountID, syncDir, remotePath string, hasProfile bool) error {
	if !config.ConfigFileExists(cfgPath) {
		return config.CreateConfigWithProfile(cfgPath, name, appKey, accountID, syncDir, remotePath)
	}

	if !hasProfile {
		return config.AppendProfileSection(cfgPath, name, appKey, accountID, syncDir, remotePath)
	}

	if err := config.SetProfileKey(cfgPath, name, "app_key", appKey); err != nil {
		return err
	}

	if err := config.SetProfileKey(cfgPath, name, "account_id", accountID); err != nil {
		return err
	}

	return config.SetProfileKey(cfgPath, name, "sync_dir", syncDir)
}

// openBrowser attempts to open a URL in the user's default browser.
// Uses "open" on macOS and "xdg-open" on Linux. Returns an error if the
// browser command fails or the platform is unsupported.
func openBrowser(rawURL string) error {
	ctx := context.Background()

	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", rawURL)
	case "linux":
		cmd = exec.CommandContext(ctx, "xdg-open", rawURL)
	default:
		return fmt.Errorf("unsupported platform %s: open the URL manually", runtime.GOOS)
	}

	return cmd.Start()
}

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved token for a profile",
		Long: `Remove the OAuth token for the given profile (or --profile). The profile
section in the config file is left in place so 'login' can re-authorize
without re-entering --sync-dir and --app-key; pass --purge to remove the
profile section too.`,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runLogout,
	}

	cmd.Flags().Bool("purge", false, "also remove the profile section from the config file")

	return cmd
}

func runLogout(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(nil)

	name := flagProfile
	if name == "" {
		name = defaultProfileNameFlag
	}

	purge, err := cmd.Flags().GetBool("purge")
	if err != nil {
		return err
	}

	if err := dropbox.Logout(config.ProfileTokenPath(name)); err != nil {
		return fmt.Errorf("removing token: %w", err)
	}

	if purge {
		if err := config.DeleteProfileSection(loginConfigPath(logger), name); err != nil {
			return fmt.Errorf("removing profile section: %w", err)
		}
	}

	statusf(flagQuiet, "Logged out profile %q\n", name)

	return nil
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "whoami",
		Short:       "Show the account currently authorized for a profile",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE:        runWhoami,
	}
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := buildLogger(nil)

	name := flagProfile
	if name == "" {
		name = defaultProfileNameFlag
	}

	appKey, err := profileAppKey(logger, name)
	if err != nil {
		return err
	}

	ts, err := dropbox.TokenSourceFromPath(ctx, appKey, config.ProfileTokenPath(name), logger)
	if err != nil {
		return fmt.Errorf("profile %q is not logged in: %w", name, err)
	}

	client := newDropboxClient(ts, logger)

	account, err := client.AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("fetching account info: %w", err)
	}

	if flagJSON {
		fmt.Printf("{\"account_id\":%q,\"email\":%q,\"display_name\":%q}\n",
			account.AccountID, account.Email, account.DisplayName)

		return nil
	}

	fmt.Printf("Profile:  %s\n", name)
	fmt.Printf("Account:  %s\n", account.DisplayName)
	fmt.Printf("Email:    %s\n", account.Email)
	fmt.Printf("Country:  %s\n", account.Country)

	return nil
}

// profileAppKey reads the app_key of an already-configured profile,
// outside the normal PersistentPreRunE resolution path (for commands that
// must still work when no profile resolves, e.g. before login).
func profileAppKey(logger *slog.Logger, name string) (string, error) {
	cfg, err := config.LoadOrDefault(loginConfigPath(logger), logger)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}

	profile, ok := cfg.Profiles[name]
	if !ok || profile.AppKey == "" {
		return "", fmt.Errorf("profile %q has no app_key on record; run 'login --app-key' first", name)
	}

	return profile.AppKey, nil
}
