package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luftsport/nif-integration/pkg/types"
)

// Source holds credentials and endpoints for the federation SOAP api
type Source struct {
	BaseURL string `yaml:"base_url"`
	Realm   string `yaml:"realm"`

	// Platform user, used for integration user provisioning
	PlatformAppID      string `yaml:"platform_app_id"`
	PlatformFunctionID int    `yaml:"platform_function_id"`
	PlatformUser       string `yaml:"platform_user"`
	PlatformPassword   string `yaml:"platform_password"`

	// Federation user, used for license/competence/payments/federation
	FederationAppID      string `yaml:"federation_app_id"`
	FederationFunctionID int    `yaml:"federation_function_id"`
	FederationUser       string `yaml:"federation_user"`
	FederationPassword   string `yaml:"federation_password"`

	// Stream user, a composite app_id/function_id/username credential
	// used by the stream consumer for person/function/organization and
	// payment fetches
	StreamUser     string `yaml:"stream_user"`
	StreamPassword string `yaml:"stream_password"`

	// Club integration users
	ClubAppID             string `yaml:"club_app_id"`
	ClubFirstNamePrefix   string `yaml:"club_firstname_prefix"`
	ClubUsernamePrefix    string `yaml:"club_username_prefix"`
	IntegrationFunctionID int    `yaml:"integration_function_type_id"`

	OrgStructure int `yaml:"org_structure"`

	Timezone string `yaml:"timezone"`
}

// Sink holds the downstream REST api settings
type Sink struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// Sync holds the worker fleet tunables
type Sync struct {
	ChangesInterval    int `yaml:"changes_sync_interval"`    // minutes
	LicenseInterval    int `yaml:"license_sync_interval"`    // minutes
	CompetenceInterval int `yaml:"competence_sync_interval"` // minutes
	PaymentsInterval   int `yaml:"payments_sync_interval"`   // minutes

	PopulateInterval int `yaml:"populate_interval"` // hours per window
	MaxErrors        int `yaml:"sync_max_errors"`
	Delay            int `yaml:"sync_delay"` // seconds before each source call

	ConnectionPoolSize int `yaml:"connection_pool_size"`

	OverlapHours     int `yaml:"overlap_hours"`
	InitialTimedelta int `yaml:"initial_timedelta"` // seconds

	Types []types.SyncType `yaml:"sync_types"`

	ExcludeTenants []int       `yaml:"exclude_tenants"`
	GroupsAsClubs  map[int]int `yaml:"groups_as_clubs_mapping"`
}

// Stream holds the change stream consumer settings
type Stream struct {
	ResumeTokenFile string `yaml:"resume_token_file"`
	MaxRestarts     int    `yaml:"max_restarts"`
	GeocodeEnabled  bool   `yaml:"geocode_enabled"`
	GeocodeURL      string `yaml:"geocode_url"`
	PollInterval    int    `yaml:"poll_interval"` // seconds between tail polls
	RecoverPageSize int    `yaml:"recover_page_size"`
}

// Control holds the RPC surface binding
type Control struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Config is the full configuration surface of the service
type Config struct {
	Source  Source     `yaml:"source"`
	Sink    Sink       `yaml:"sink"`
	Sync    Sync       `yaml:"sync"`
	Stream  Stream     `yaml:"stream"`
	Control Control    `yaml:"control"`
	Log     LogSection `yaml:"log"`

	SyncPidFile   string `yaml:"sync_pid_file"`
	StreamPidFile string `yaml:"stream_pid_file"`
}

// LogSection configures the logging layer
type LogSection struct {
	Level    string `yaml:"level"`
	JSON     bool   `yaml:"json"`
	TailSize int    `yaml:"tail_size"`
}

// Default returns a configuration mirroring the service defaults
func Default() *Config {
	return &Config{
		Source: Source{
			Realm:               "PROD",
			ClubFirstNamePrefix: "NLF",
			ClubUsernamePrefix:  "IGNLF",
			OrgStructure:        376,
			Timezone:            "Europe/Oslo",
		},
		Sync: Sync{
			ChangesInterval:    10,
			LicenseInterval:    10,
			CompetenceInterval: 10,
			PaymentsInterval:   10,
			PopulateInterval:   24,
			MaxErrors:          10,
			Delay:              1,
			ConnectionPoolSize: 10,
			OverlapHours:       5,
			InitialTimedelta:   0,
			Types: []types.SyncType{
				types.SyncChanges,
				types.SyncLicense,
				types.SyncCompetence,
				types.SyncPayments,
				types.SyncFederation,
			},
		},
		Stream: Stream{
			ResumeTokenFile: "resume.token",
			MaxRestarts:     10,
			PollInterval:    2,
			RecoverPageSize: 250,
		},
		Control: Control{
			Host:        "localhost",
			Port:        5555,
			MetricsAddr: ":9110",
		},
		Log: LogSection{
			Level:    "info",
			TailSize: 100,
		},
		SyncPidFile:   "syncdaemon.pid",
		StreamPidFile: "streamdaemon.pid",
	}
}

// Load reads path on top of the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Sink.URL == "" {
		return fmt.Errorf("sink url is required")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source base_url is required")
	}
	if c.Sync.ConnectionPoolSize < 1 {
		return fmt.Errorf("connection_pool_size must be at least 1")
	}
	if c.Sync.PopulateInterval < 1 {
		return fmt.Errorf("populate_interval must be at least 1 hour")
	}
	for _, t := range c.Sync.Types {
		if !t.Valid() {
			return fmt.Errorf("%q is not a valid sync type", t)
		}
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Source.Timezone, err)
	}
	return nil
}

// Location resolves the fixed local timezone used for source windows
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Source.Timezone)
}

// Interval returns the sync interval for the given sync type
func (s Sync) Interval(t types.SyncType) time.Duration {
	minutes := s.ChangesInterval
	switch t {
	case types.SyncLicense:
		minutes = s.LicenseInterval
	case types.SyncCompetence:
		minutes = s.CompetenceInterval
	case types.SyncPayments:
		minutes = s.PaymentsInterval
	}
	return time.Duration(minutes) * time.Minute
}

// Enabled reports whether the sync type is switched on
func (s Sync) Enabled(t types.SyncType) bool {
	for _, st := range s.Types {
		if st == t {
			return true
		}
	}
	return false
}

// PlatformUsername assembles the composite platform credential
func (s Source) PlatformUsername() string {
	return fmt.Sprintf("%s/%d/%s", s.PlatformAppID, s.PlatformFunctionID, s.PlatformUser)
}

// FederationUsername assembles the composite federation credential
func (s Source) FederationUsername() string {
	return fmt.Sprintf("%s/%d/%s", s.FederationAppID, s.FederationFunctionID, s.FederationUser)
}
