package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/mailzip-to-csv/credential"
	"github.com/dhcgn/mailzip-to-csv/history"
	"github.com/dhcgn/mailzip-to-csv/output"
)

const envPrefix = "MAILZIP"

// lookupSecret resolves a keyring password. Tests replace it.
var lookupSecret = credential.Lookup

// Config captures all options required to run an extraction.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	Subject            string
	MboxPath           string
	OutputDir          string
	OutputFile         string
	OutputMode         output.Mode
	IncludeEntry       []string
	ExcludeEntry       []string
	History            history.Kind
	HistoryPath        string
	UseKeyring         bool
	LogLevel           string
	LogDir             string
	Progress           bool
}

// UsesMbox reports whether messages come from a local mbox file instead of
// an IMAP server.
func (c Config) UsesMbox() bool {
	return c.MboxPath != ""
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	outputDir, err := defaultOutputDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("config", "", "Optional config file (yaml, toml or json)")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the keyring with --keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "IMAP mailbox to search")
	flags.String("subject", "", "Subject text the messages must contain")
	flags.String("mbox", "", "Read messages from this .mbox file instead of IMAP")
	flags.String("output-dir", outputDir, "Directory for saved attachments and the combined CSV")
	flags.String("output-file", "combined_data.csv", "File name of the combined CSV")
	flags.String("output-mode", string(output.ModeOverwrite), "What to do when the combined CSV exists: overwrite, version, append")
	flags.StringArray("include-entry", nil, "Regex allow-list applied to CSV entry names inside archives (mutually exclusive with --exclude-entry)")
	flags.StringArray("exclude-entry", nil, "Regex block-list applied to CSV entry names inside archives (mutually exclusive with --include-entry)")
	flags.String("history", string(history.KindNone), "Run history store: none, jsonl, sqlite")
	flags.String("history-path", "", "Run history location (defaults to a file in --output-dir)")
	flags.Bool("keyring", false, "Look up the IMAP password in the OS keyring")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.Bool("progress", true, "Show a progress bar at info level")

	return nil
}

// LoadConfig resolves the parsed Cobra flags, MAILZIP_* environment
// variables and the optional config file into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	includeEntry, err := stringList(cmd, v, "include-entry")
	if err != nil {
		return Config{}, err
	}
	excludeEntry, err := stringList(cmd, v, "exclude-entry")
	if err != nil {
		return Config{}, err
	}

	mode, err := output.ParseMode(v.GetString("output-mode"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid --output-mode: %w", err)
	}
	historyKind, err := history.ParseKind(v.GetString("history"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid --history: %w", err)
	}

	outputDir := v.GetString("output-dir")
	if outputDir == "" {
		outputDir, err = defaultOutputDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           strings.TrimSpace(v.GetString("imap-user")),
		IMAPPass:           v.GetString("imap-pass"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Mailbox:            v.GetString("mailbox"),
		Subject:            v.GetString("subject"),
		MboxPath:           v.GetString("mbox"),
		OutputDir:          filepath.Clean(outputDir),
		OutputFile:         v.GetString("output-file"),
		OutputMode:         mode,
		IncludeEntry:       includeEntry,
		ExcludeEntry:       excludeEntry,
		History:            historyKind,
		HistoryPath:        v.GetString("history-path"),
		UseKeyring:         v.GetBool("keyring"),
		LogLevel:           logLevel,
		LogDir:             v.GetString("log-dir"),
		Progress:           v.GetBool("progress"),
	}

	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.HistoryPath == "" && cfg.History != history.KindNone {
		cfg.HistoryPath = filepath.Join(cfg.OutputDir, history.DefaultFile(cfg.History))
	}

	if !cfg.UsesMbox() && cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if !cfg.UsesMbox() && cfg.IMAPPass == "" && cfg.UseKeyring && cfg.IMAPUser != "" && cfg.IMAPHost != "" {
		secret, err := lookupSecret(cfg.IMAPUser, cfg.IMAPHost)
		if err != nil {
			return Config{}, fmt.Errorf("keyring lookup: %w", err)
		}
		cfg.IMAPPass = secret
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stringList reads a repeatable flag. Flag values are taken verbatim so
// patterns may contain commas; env and file values go through viper.
func stringList(cmd *cobra.Command, v *viper.Viper, name string) ([]string, error) {
	if cmd.Flags().Changed(name) {
		return cmd.Flags().GetStringArray(name)
	}
	var values []string
	for _, value := range v.GetStringSlice(name) {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}
	return values, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Subject) == "" {
		return errors.New("--subject is required")
	}
	if !cfg.UsesMbox() {
		if cfg.IMAPHost == "" {
			return errors.New("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return errors.New("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return errors.New("IMAP password must be provided via --imap-pass, MAILZIP_IMAP_PASS, IMAP_PASS env var or --keyring")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return errors.New("--imap-port must be between 1 and 65535")
		}
	}
	if cfg.OutputFile == "" || filepath.Base(cfg.OutputFile) != cfg.OutputFile {
		return fmt.Errorf("--output-file must be a plain file name: %q", cfg.OutputFile)
	}
	if len(cfg.IncludeEntry) > 0 && len(cfg.ExcludeEntry) > 0 {
		return errors.New("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultOutputDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Desktop", "RazorPay_Settlement_attachments"), nil
}
