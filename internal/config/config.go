package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"notioncal/internal/reconcile"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	BackendGoogle = "google"
	BackendCalDAV = "caldav"

	// Authority owners as written in the config file.
	OwnerNotion   = "notion"
	OwnerCalendar = "calendar"
)

// NotionConfig describes the task database. The token only comes from the
// environment.
type NotionConfig struct {
	DatabaseID          string `yaml:"database_id"`
	TitleProperty       string `yaml:"title_property"`
	DateProperty        string `yaml:"date_property"`
	ExternalIDProperty  string `yaml:"external_id_property"`
	ParentProperty      string `yaml:"parent_property"`
	ParentDatabaseID    string `yaml:"parent_database_id"`
	ParentTitleProperty string `yaml:"parent_title_property"`

	Token string `yaml:"-"`
}

// GoogleConfig selects the Google calendar and the token file to use.
type GoogleConfig struct {
	CalendarID string `yaml:"calendar_id"`
	Account    string `yaml:"account"`

	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
}

// CalDAVConfig selects the CalDAV server and calendar.
type CalDAVConfig struct {
	Endpoint     string `yaml:"endpoint"`
	CalendarName string `yaml:"calendar_name"`

	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// CalendarConfig picks the calendar backend.
type CalendarConfig struct {
	// Backend is "google" (default) or "caldav".
	Backend string       `yaml:"backend"`
	Google  GoogleConfig `yaml:"google"`
	CalDAV  CalDAVConfig `yaml:"caldav"`
}

// PolicyConfig names the owner of each field category: "notion" or "calendar".
type PolicyConfig struct {
	Title string `yaml:"title"`
	Time  string `yaml:"time"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config is the top-level application configuration.
type Config struct {
	// HorizonDays is the length of the sync window starting at local midnight.
	HorizonDays int `yaml:"horizon_days"`

	// Timezone is the IANA zone whose midnight starts the window.
	Timezone string `yaml:"timezone"`

	CallTimeout  time.Duration `yaml:"call_timeout"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	Concurrency  int           `yaml:"concurrency"`

	LogLevel string `yaml:"log_level"`
	DryRun   bool   `yaml:"dry_run"`

	// Cron is a standard 5-field schedule used by "sync --cron" when the
	// flag carries no value of its own.
	Cron string `yaml:"cron"`

	Policy   PolicyConfig   `yaml:"policy"`
	Notion   NotionConfig   `yaml:"notion"`
	Calendar CalendarConfig `yaml:"calendar"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		HorizonDays:  7,
		Timezone:     "UTC",
		CallTimeout:  30 * time.Second,
		FetchTimeout: 2 * time.Minute,
		Concurrency:  4,
		LogLevel:     "info",
		Policy:       PolicyConfig{Title: OwnerNotion, Time: OwnerCalendar},
		Notion: NotionConfig{
			TitleProperty:       "Name",
			DateProperty:        "Date",
			ExternalIDProperty:  "Calendar Event ID",
			ParentProperty:      "Project",
			ParentTitleProperty: "Name",
		},
		Calendar: CalendarConfig{
			Backend: BackendGoogle,
			Google:  GoogleConfig{CalendarID: "primary", Account: "default"},
			CalDAV:  CalDAVConfig{Endpoint: "https://caldav.icloud.com/"},
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.HorizonDays <= 0 {
		c.HorizonDays = def.HorizonDays
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.Policy.Title = strings.ToLower(c.Policy.Title)
	if c.Policy.Title == "" {
		c.Policy.Title = def.Policy.Title
	}
	c.Policy.Time = strings.ToLower(c.Policy.Time)
	if c.Policy.Time == "" {
		c.Policy.Time = def.Policy.Time
	}

	n := &c.Notion
	if n.TitleProperty == "" {
		n.TitleProperty = def.Notion.TitleProperty
	}
	if n.DateProperty == "" {
		n.DateProperty = def.Notion.DateProperty
	}
	if n.ExternalIDProperty == "" {
		n.ExternalIDProperty = def.Notion.ExternalIDProperty
	}
	if n.ParentTitleProperty == "" {
		n.ParentTitleProperty = def.Notion.ParentTitleProperty
	}

	cal := &c.Calendar
	cal.Backend = strings.ToLower(cal.Backend)
	if cal.Backend == "" {
		cal.Backend = def.Calendar.Backend
	}
	if cal.Google.CalendarID == "" {
		cal.Google.CalendarID = def.Calendar.Google.CalendarID
	}
	if cal.Google.Account == "" {
		cal.Google.Account = def.Calendar.Google.Account
	}
	if cal.CalDAV.Endpoint == "" {
		cal.CalDAV.Endpoint = def.Calendar.CalDAV.Endpoint
	}
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path, applies environment overrides and
// normalizes the result. An empty path or a missing file yields the
// defaults plus the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			cfg = &Config{}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// applyEnv overrides file values with environment variables. Secrets are
// only ever read from here.
func (c *Config) applyEnv() error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.Notion.Token, "NOTION_TOKEN")
	str(&c.Notion.DatabaseID, "NOTION_DATABASE_ID")
	str(&c.Notion.ParentDatabaseID, "NOTION_PARENT_DATABASE_ID")
	str(&c.Calendar.Backend, "CALENDAR_BACKEND")
	str(&c.Calendar.Google.ClientID, "GOOGLE_CLIENT_ID")
	str(&c.Calendar.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	str(&c.Calendar.Google.CalendarID, "GOOGLE_CALENDAR_ID")
	str(&c.Calendar.Google.Account, "GOOGLE_ACCOUNT")
	str(&c.Calendar.CalDAV.Endpoint, "CALDAV_ENDPOINT")
	str(&c.Calendar.CalDAV.Username, "CALDAV_USERNAME", "ICLOUD_USERNAME")
	str(&c.Calendar.CalDAV.Password, "CALDAV_PASSWORD", "ICLOUD_APP_SPECIFIC_PASSWORD")
	str(&c.Calendar.CalDAV.CalendarName, "CALDAV_CALENDAR_NAME", "ICLOUD_CALENDAR_NAME")
	str(&c.Timezone, "TIMEZONE", "PRIMARY_TIMEZONE")
	str(&c.LogLevel, "LOG_LEVEL")
	str(&c.Metrics.Listen, "METRICS_LISTEN")
	str(&c.Cron, "SYNC_CRON")

	if v := os.Getenv("HORIZON_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HORIZON_DAYS %q: %w", v, err)
		}
		c.HorizonDays = n
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DRY_RUN %q: %w", v, err)
		}
		c.DryRun = b
	}
	return nil
}

// Validate reports every problem that would prevent a sync from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.Notion.Token == "" {
		errs = append(errs, errors.New("NOTION_TOKEN is not set"))
	}
	if c.Notion.DatabaseID == "" {
		errs = append(errs, errors.New("notion.database_id is required"))
	}
	if c.HorizonDays <= 0 {
		errs = append(errs, fmt.Errorf("horizon_days must be positive, got %d", c.HorizonDays))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ReconcilePolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Cron != "" {
		if _, err := cron.ParseStandard(c.Cron); err != nil {
			errs = append(errs, fmt.Errorf("invalid cron %q: %w", c.Cron, err))
		}
	}

	switch c.Calendar.Backend {
	case BackendGoogle:
	case BackendCalDAV:
		if c.Calendar.CalDAV.CalendarName == "" {
			errs = append(errs, errors.New("calendar.caldav.calendar_name is required"))
		}
		if c.Calendar.CalDAV.Username == "" || c.Calendar.CalDAV.Password == "" {
			errs = append(errs, errors.New("CALDAV_USERNAME and CALDAV_PASSWORD must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown calendar backend %q (want %s or %s)", c.Calendar.Backend, BackendGoogle, BackendCalDAV))
	}
	return errors.Join(errs...)
}

// Horizon returns the window length.
func (c *Config) Horizon() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
	}
	return loc, nil
}

// ReconcilePolicy converts the owner names to a reconcile.Policy.
func (c *Config) ReconcilePolicy() (reconcile.Policy, error) {
	title, err := owner(c.Policy.Title)
	if err != nil {
		return reconcile.Policy{}, fmt.Errorf("policy.title: %w", err)
	}
	tm, err := owner(c.Policy.Time)
	if err != nil {
		return reconcile.Policy{}, fmt.Errorf("policy.time: %w", err)
	}
	return reconcile.Policy{Title: title, Time: tm}, nil
}

func owner(name string) (reconcile.Side, error) {
	switch name {
	case OwnerNotion:
		return reconcile.Source, nil
	case OwnerCalendar:
		return reconcile.Target, nil
	default:
		return 0, fmt.Errorf("unknown owner %q (want %s or %s)", name, OwnerNotion, OwnerCalendar)
	}
}

// Save writes cfg to path atomically with 0600 permissions. Secrets are
// never written.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Write to a temp file in the same directory then rename.
	tmp, err := os.CreateTemp(dir, ".notioncal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
