// Package cli provides the command-line interface of the orchestrator:
// one-shot profile and state commands, and the foreground runtime that
// drives a connection with a live status view.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
	"github.com/yllada/vpn-orchestrator/keyring"
	"github.com/yllada/vpn-orchestrator/store"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// CLI represents the command-line interface.
type CLI struct {
	cfg      *config.Config
	profiles *vpn.ProfileManager
	secrets  common.CredentialStore
	state    *store.Store
	out      io.Writer

	// readPassword prompts for a secret without echo when stdin is a terminal.
	readPassword func(prompt string) (string, error)
}

// New opens the profile file, the credential store and the state database.
func New(cfg *config.Config) (*CLI, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}

	profiles, err := vpn.OpenProfileManager(filepath.Join(configDir, common.ProfilesFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to load profiles: %w", err)
	}

	secrets, err := keyring.Open(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	statePath, err := cfg.StatePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}
	state, err := store.Open(statePath)
	if err != nil {
		return nil, err
	}

	return newCLI(cfg, profiles, secrets, state, os.Stdout), nil
}

func newCLI(cfg *config.Config, profiles *vpn.ProfileManager, secrets common.CredentialStore, state *store.Store, out io.Writer) *CLI {
	c := &CLI{
		cfg:      cfg,
		profiles: profiles,
		secrets:  secrets,
		state:    state,
		out:      out,
	}
	c.readPassword = c.promptPassword
	return c
}

// Close releases the state database.
func (c *CLI) Close() error {
	return c.state.Close()
}

// ListProfiles lists all configured VPN profiles.
func (c *CLI) ListProfiles() error {
	profiles := c.profiles.List()

	if len(profiles) == 0 {
		fmt.Fprintln(c.out, "No VPN profiles configured.")
		fmt.Fprintln(c.out, "Use --import FILE to add profiles.")
		return nil
	}

	activeID := ""
	if active, err := c.state.ActiveProfile(); err == nil && active != nil {
		activeID = active.ID
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSERVER\tPASSWORD\tACTIVE")
	fmt.Fprintln(w, "--\t----\t----\t------\t--------\t------")

	for _, profile := range profiles {
		password := "-"
		if profile.Type.HasUsername() {
			password = "No"
			if _, err := c.secrets.Get(profile.ID); err == nil {
				password = "Yes"
			}
		}

		active := ""
		if profile.ID == activeID {
			active = "*"
		}

		// Truncate ID for display
		shortID := profile.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID, profile.Name, profile.Type, profile.Server(), password, active)
	}

	return w.Flush()
}

// ImportProfiles adds the profiles listed in a YAML file.
func (c *CLI) ImportProfiles(path string) error {
	n, err := c.profiles.Import(path)
	if n > 0 {
		fmt.Fprintf(c.out, "Imported %d profile(s) from %s\n", n, path)
	}
	if err != nil {
		return fmt.Errorf("import stopped after %d profile(s): %w", n, err)
	}
	return nil
}

// SetPassword prompts for and stores the password of a profile.
func (c *CLI) SetPassword(nameOrID string) error {
	profile := c.findProfile(nameOrID)
	if profile == nil {
		return fmt.Errorf("%w: %s", vpn.ErrProfileNotFound, nameOrID)
	}
	if !profile.Type.HasUsername() {
		return fmt.Errorf("profile %s (%s) does not use a password", profile.Name, profile.Type)
	}

	password, err := c.readPassword(fmt.Sprintf("Password for %s@%s: ", profile.Username, profile.Name))
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if password == "" {
		return errors.New("empty password, nothing stored")
	}

	if err := c.secrets.Store(profile.ID, password); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "✓ Password stored for %s\n", profile.Name)
	return nil
}

func (c *CLI) promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(c.out, prompt)
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(c.out)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Disconnect forgets the active profile so the next start does not restore it.
// A running foreground session is stopped with Ctrl+C or SIGTERM.
func (c *CLI) Disconnect() error {
	active, err := c.state.ActiveProfile()
	if err != nil {
		return err
	}
	if active == nil {
		fmt.Fprintln(c.out, "No active profile.")
		return nil
	}
	if err := c.state.ClearActiveProfile(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "✓ %s will not be restored on the next start\n", active.Name)
	return nil
}

// Status shows the active profile and the last recorded state.
func (c *CLI) Status(ctx context.Context) error {
	active, err := c.state.ActiveProfile()
	if err != nil {
		return err
	}
	last, err := c.state.History(ctx, 1)
	if err != nil {
		return err
	}

	if active == nil && len(last) == 0 {
		fmt.Fprintln(c.out, "No active VPN connection.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	if active != nil {
		fmt.Fprintf(w, "Profile:\t%s\n", active.Name)
		fmt.Fprintf(w, "Server:\t%s\n", active.Server())
	}
	if len(last) == 1 {
		t := last[0]
		fmt.Fprintf(w, "State:\t%s\n", t.State)
		if t.Error != vpn.ErrorNone {
			fmt.Fprintf(w, "Error:\t%s\n", vpn.Snapshot{Error: t.Error}.ErrorText())
		}
		fmt.Fprintf(w, "Since:\t%s (%s ago)\n", t.At.Format("2006-01-02 15:04:05"), formatDuration(time.Since(t.At)))
	}
	return w.Flush()
}

// History prints the last n recorded transitions.
func (c *CLI) History(ctx context.Context, n int) error {
	transitions, err := c.state.History(ctx, n)
	if err != nil {
		return err
	}
	if len(transitions) == 0 {
		fmt.Fprintln(c.out, "No recorded transitions.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSTATE\tERROR\tPROFILE\tSERVER\tATTEMPT\tRETRY")
	fmt.Fprintln(w, "----\t-----\t-----\t-------\t------\t-------\t-----")
	for _, t := range transitions {
		errText, retry := "-", "-"
		if t.Error != vpn.ErrorNone {
			errText = t.Error.String()
		}
		if t.RetryIn > 0 {
			retry = fmt.Sprintf("%ds", t.RetryIn)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			t.At.Format("2006-01-02 15:04:05"), t.State, errText,
			dash(t.ProfileName), dash(t.Server), t.Attempt, retry)
	}
	return w.Flush()
}

// findProfile finds a profile by name or ID (case-insensitive).
func (c *CLI) findProfile(nameOrID string) *vpn.Profile {
	nameOrID = strings.ToLower(strings.TrimSpace(nameOrID))
	if nameOrID == "" {
		return nil
	}

	for _, profile := range c.profiles.List() {
		if strings.ToLower(profile.Name) == nameOrID ||
			strings.ToLower(profile.ID) == nameOrID ||
			strings.HasPrefix(strings.ToLower(profile.ID), nameOrID) {
			return profile
		}
	}

	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`VPN Orchestrator - tunnel connection orchestrator

Usage:
  vpn-orchestrator [OPTIONS]

Options:
  --version             Show version and exit
  --verbose             Enable verbose logging
  --config FILE         Use FILE instead of ~/.config/vpn-orchestrator/config.yaml
  --list                List all VPN profiles
  --import FILE         Import profiles from a YAML list
  --set-password NAME   Store the password of a profile in the keyring
  --connect NAME        Connect to a profile and stay in the foreground
  --disconnect          Forget the active profile so it is not restored
  --status              Show the active profile and last recorded state
  --history N           Show the last N state transitions
  --plain               Print state changes as lines instead of the live view
  --help                Show this help message

Examples:
  vpn-orchestrator --import office.yaml
  vpn-orchestrator --set-password "Office"
  vpn-orchestrator --connect "Office"
  vpn-orchestrator --history 20

Notes:
  - Run without options to resume the previous active profile in the foreground
  - In the live view press d to disconnect, r to reconnect, q to quit`)
}
