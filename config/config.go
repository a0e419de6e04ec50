package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mailblast/message"
	"github.com/dhcgn/mailblast/model"
	"github.com/dhcgn/mailblast/recipient"
)

const (
	DefaultInterval    = 1000
	DefaultMailLogPath = "/var/log/mail.log"

	TransportSendmail = "sendmail"
	TransportSES      = "ses"
	TransportIMAP     = "imap"
	TransportMbox     = "mbox"
)

// Config captures all options required for one dispatch run.
type Config struct {
	BodyPath         string
	RecipientsPath   string
	From             string
	Subject          string
	TestInbox        string
	Interval         int
	IncludeTestInbox bool
	ExtractEvery     int
	Rate             float64
	Include          []string
	Exclude          []string

	Transport    string
	SendmailPath string
	SES          SESConfig
	IMAP         IMAPConfig
	MboxPath     string

	MailLog MailLogConfig

	DeliveredPath string
	UniquePath    string

	LogLevel string
	LogDir   string
}

type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
}

type IMAPConfig struct {
	Host               string
	Port               int
	User               string
	Pass               string
	Folder             string
	UseTLS             bool
	InsecureSkipVerify bool
}

// MailLogConfig locates the MTA log scraped for delivered addresses.
type MailLogConfig struct {
	Path   string
	Sudo   bool
	Marker string
}

type fileIMAP struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	User               string `yaml:"user"`
	Pass               string `yaml:"pass"`
	Folder             string `yaml:"folder"`
	UseTLS             *bool  `yaml:"use_tls"`
	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify"`
}

type fileMailLog struct {
	Path   string `yaml:"path"`
	Sudo   *bool  `yaml:"sudo"`
	Marker string `yaml:"marker"`
}

// fileConfig is the YAML layer. Zero values mean "not set" so flags keep their defaults.
type fileConfig struct {
	Body             string      `yaml:"body"`
	Recipients       string      `yaml:"recipients"`
	From             string      `yaml:"from"`
	Subject          string      `yaml:"subject"`
	TestInbox        string      `yaml:"test_inbox"`
	Interval         string      `yaml:"interval"`
	IncludeTestInbox *bool       `yaml:"include_test_inbox"`
	ExtractEvery     string      `yaml:"extract_every"`
	Rate             string      `yaml:"rate"`
	Include          []string    `yaml:"include"`
	Exclude          []string    `yaml:"exclude"`
	Transport        string      `yaml:"transport"`
	Sendmail         string      `yaml:"sendmail"`
	SES              SESConfig   `yaml:"ses"`
	IMAP             fileIMAP    `yaml:"imap"`
	Mbox             string      `yaml:"mbox"`
	MailLog          fileMailLog `yaml:"maillog"`
	Delivered        string      `yaml:"delivered"`
	UniqueOut        string      `yaml:"unique_out"`
	LogLevel         string      `yaml:"log_level"`
	LogDir           string      `yaml:"log_dir"`
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("config", "", "Optional YAML configuration file; explicitly set flags override it")
	flags.String("body", "", "Path to the HTML body file")
	flags.String("recipients", "", "Path to the recipient list, one address per line")
	flags.String("from", "", "From address, also used as envelope sender (falls back to MAILBLAST_FROM env var)")
	flags.String("subject", "", "Subject line of the mailing")
	flags.String("test-inbox", "", "Operator inbox receiving checkpoint mails (falls back to MAILBLAST_TEST_INBOX env var)")
	flags.String("interval", strconv.Itoa(DefaultInterval), "Send a checkpoint mail every N attempts")
	flags.Bool("include-test-inbox", false, "Also send the mailing to the test inbox when it appears in the recipient list")
	flags.String("extract-every", "0", "Extract delivered addresses every N attempts (0: at every checkpoint)")
	flags.String("rate", "0", "Maximum messages per second (0: unlimited)")
	flags.StringArray("include", nil, "Regex allow-list applied to recipient addresses (mutually exclusive with --exclude)")
	flags.StringArray("exclude", nil, "Regex block-list applied to recipient addresses (mutually exclusive with --include)")
	flags.String("transport", TransportSendmail, "Mail transport: sendmail, ses, imap, mbox")
	flags.String("sendmail", "sendmail", "sendmail binary name or path")
	flags.String("ses-region", "", "AWS region for the ses transport")
	flags.String("ses-endpoint", "", "Override the SES API endpoint URL")
	flags.String("imap-host", "", "IMAP server hostname for the imap transport")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.String("imap-folder", "Mailblast", "IMAP folder receiving the messages")
	flags.Bool("imap-use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("imap-insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mbox-out", "", "mbox file written by the mbox transport")
	flags.String("maillog", DefaultMailLogPath, "MTA log scraped for delivered addresses")
	flags.Bool("maillog-sudo", false, "Read the MTA log through 'sudo -n cat'")
	flags.String("delivered", "delivered.txt", "Output file for delivered addresses (overwritten)")
	flags.String("unique-out", "", "Optional output file for the deduplicated recipient list")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a per-run log file in addition to stderr")

	return nil
}

// LoadConfig converts the parsed Cobra flags, the optional YAML file and env fallbacks into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	var file fileConfig
	if path != "" {
		if file, err = readFile(path); err != nil {
			return Config{}, err
		}
	}

	l := &layer{flags: flags}
	cfg := Config{
		BodyPath:         l.str("body", file.Body),
		RecipientsPath:   l.str("recipients", file.Recipients),
		From:             l.str("from", file.From),
		Subject:          l.str("subject", file.Subject),
		TestInbox:        l.str("test-inbox", file.TestInbox),
		IncludeTestInbox: l.boolean("include-test-inbox", file.IncludeTestInbox),
		Include:          l.strs("include", file.Include),
		Exclude:          l.strs("exclude", file.Exclude),
		Transport:        strings.ToLower(l.str("transport", file.Transport)),
		SendmailPath:     l.str("sendmail", file.Sendmail),
		SES: SESConfig{
			Region:          l.str("ses-region", file.SES.Region),
			AccessKeyID:     file.SES.AccessKeyID,
			SecretAccessKey: file.SES.SecretAccessKey,
			Endpoint:        l.str("ses-endpoint", file.SES.Endpoint),
		},
		IMAP: IMAPConfig{
			Host:               l.str("imap-host", file.IMAP.Host),
			Port:               l.integer("imap-port", file.IMAP.Port),
			User:               l.str("imap-user", file.IMAP.User),
			Pass:               l.str("imap-pass", file.IMAP.Pass),
			Folder:             l.str("imap-folder", file.IMAP.Folder),
			UseTLS:             l.boolean("imap-use-tls", file.IMAP.UseTLS),
			InsecureSkipVerify: l.boolean("imap-insecure-skip-verify", file.IMAP.InsecureSkipVerify),
		},
		MboxPath: l.str("mbox-out", file.Mbox),
		MailLog: MailLogConfig{
			Path:   l.str("maillog", file.MailLog.Path),
			Sudo:   l.boolean("maillog-sudo", file.MailLog.Sudo),
			Marker: file.MailLog.Marker,
		},
		DeliveredPath: l.str("delivered", file.Delivered),
		UniquePath:    l.str("unique-out", file.UniqueOut),
		LogLevel:      strings.ToLower(l.str("log-level", file.LogLevel)),
		LogDir:        l.str("log-dir", file.LogDir),
	}
	interval := l.str("interval", file.Interval)
	extractEvery := l.str("extract-every", file.ExtractEvery)
	rate := l.str("rate", file.Rate)
	if l.err != nil {
		return Config{}, l.err
	}

	if cfg.Interval, err = parsePositive("interval", interval); err != nil {
		return Config{}, err
	}
	if cfg.ExtractEvery, err = parseNonNegative("extract-every", extractEvery); err != nil {
		return Config{}, err
	}
	if cfg.Rate, err = strconv.ParseFloat(strings.TrimSpace(rate), 64); err != nil || cfg.Rate < 0 {
		return Config{}, &model.InvalidConfigError{Field: "rate", Reason: fmt.Sprintf("%q is not a non-negative number", rate)}
	}

	if cfg.From == "" {
		cfg.From = os.Getenv("MAILBLAST_FROM")
	}
	if cfg.TestInbox == "" {
		cfg.TestInbox = os.Getenv("MAILBLAST_TEST_INBOX")
	}
	if cfg.IMAP.Pass == "" {
		cfg.IMAP.Pass = os.Getenv("IMAP_PASS")
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	invalid := func(field, reason string) error {
		return &model.InvalidConfigError{Field: field, Reason: reason}
	}

	if cfg.BodyPath == "" {
		return invalid("body", "--body is required")
	}
	if cfg.RecipientsPath == "" {
		return invalid("recipients", "--recipients is required")
	}
	if cfg.Subject == "" {
		return invalid("subject", "--subject is required")
	}
	if cfg.From == "" {
		return invalid("from", "--from or MAILBLAST_FROM is required")
	}
	sender, err := message.EnvelopeSender(cfg.From)
	if err != nil || !recipient.Valid(sender) {
		return invalid("from", fmt.Sprintf("%q is not a valid address", cfg.From))
	}
	if cfg.TestInbox == "" {
		return invalid("test-inbox", "--test-inbox or MAILBLAST_TEST_INBOX is required")
	}
	if !recipient.Valid(cfg.TestInbox) {
		return invalid("test-inbox", fmt.Sprintf("%q is not a valid address", cfg.TestInbox))
	}
	if cfg.Interval <= 0 {
		return invalid("interval", "must be a positive integer")
	}
	if len(cfg.Include) > 0 && len(cfg.Exclude) > 0 {
		return invalid("include", "include and exclude flags are mutually exclusive")
	}
	if cfg.DeliveredPath == "" {
		return invalid("delivered", "--delivered must not be empty")
	}
	if cfg.MailLog.Path == "" {
		return invalid("maillog", "--maillog must not be empty")
	}

	switch cfg.Transport {
	case TransportSendmail:
		if cfg.SendmailPath == "" {
			return invalid("sendmail", "--sendmail must not be empty")
		}
	case TransportSES:
		if cfg.SES.Region == "" {
			return invalid("ses-region", "--ses-region is required for the ses transport")
		}
	case TransportIMAP:
		if cfg.IMAP.Host == "" || cfg.IMAP.User == "" {
			return invalid("imap-host", "--imap-host and --imap-user are required for the imap transport")
		}
		if cfg.IMAP.Pass == "" {
			return invalid("imap-pass", "IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAP.Port <= 0 || cfg.IMAP.Port > 65535 {
			return invalid("imap-port", "must be between 1 and 65535")
		}
	case TransportMbox:
		if cfg.MboxPath == "" {
			return invalid("mbox-out", "--mbox-out is required for the mbox transport")
		}
	default:
		return invalid("transport", fmt.Sprintf("unknown transport %q", cfg.Transport))
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log-level", cfg.LogLevel)
	}

	return nil
}

func readFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file: %w", err)
	}
	return file, nil
}

func parsePositive(field, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return 0, &model.InvalidConfigError{Field: field, Reason: fmt.Sprintf("%q is not a positive integer", value)}
	}
	return n, nil
}

func parseNonNegative(field, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return 0, &model.InvalidConfigError{Field: field, Reason: fmt.Sprintf("%q is not a non-negative integer", value)}
	}
	return n, nil
}

// layer picks the flag value when it was set explicitly, else the file value when present, else the flag default.
type layer struct {
	flags *pflag.FlagSet
	err   error
}

func (l *layer) str(name, fileValue string) string {
	v, err := l.flags.GetString(name)
	if err != nil {
		l.fail(err)
		return ""
	}
	if !l.flags.Changed(name) && fileValue != "" {
		return fileValue
	}
	return v
}

func (l *layer) strs(name string, fileValue []string) []string {
	v, err := l.flags.GetStringArray(name)
	if err != nil {
		l.fail(err)
		return nil
	}
	if !l.flags.Changed(name) && len(fileValue) > 0 {
		return fileValue
	}
	return v
}

func (l *layer) integer(name string, fileValue int) int {
	v, err := l.flags.GetInt(name)
	if err != nil {
		l.fail(err)
		return 0
	}
	if !l.flags.Changed(name) && fileValue != 0 {
		return fileValue
	}
	return v
}

func (l *layer) boolean(name string, fileValue *bool) bool {
	v, err := l.flags.GetBool(name)
	if err != nil {
		l.fail(err)
		return false
	}
	if !l.flags.Changed(name) && fileValue != nil {
		return *fileValue
	}
	return v
}

func (l *layer) fail(err error) {
	if l.err == nil {
		l.err = err
	}
}
