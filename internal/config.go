package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tracker/internal/persist"
	"github.com/starford/tracker/internal/statestore"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Data     DataConfig        `yaml:"data"`
	Handles  HandlesConfig     `yaml:"handles"`
	Autosave AutosaveConfig    `yaml:"autosave"`
	History  HistoryConfig     `yaml:"history"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Handles.Validate(); err != nil {
		return err
	}
	if err := c.Autosave.Validate(); err != nil {
		return err
	}
	if err := c.History.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	// DevMode seeds an empty store with sample data.
	DevMode bool `yaml:"dev_mode"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// DataConfig locates the persisted snapshot.
type DataConfig struct {
	// Path is the directory snapshots are written to.
	Path string `yaml:"path"`
	// Key names the snapshot; it is stored as <path>/<key>.json.
	Key string `yaml:"key"`
	// Watch reports edits made to the snapshot file by other processes.
	Watch bool `yaml:"watch"`
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Key, validation.Required, validation.Length(1, 128)),
	)
}

// HandlesConfig configures the file handle cache.
type HandlesConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	// Root, when set, restricts attachable files to paths under it.
	Root string `yaml:"root"`
}

// Validate validates the handles configuration.
func (c *HandlesConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SQLitePath, validation.Required),
	)
}

// AutosaveConfig controls when state changes reach storage.
type AutosaveConfig struct {
	Debounce  time.Duration `yaml:"debounce"`
	SaveDelay time.Duration `yaml:"save_delay"`
	// IgnorePrefixes lists partitions whose changes alone never save. Unset
	// means ui.
	IgnorePrefixes []string `yaml:"ignore_prefixes"`
	// ExcludePartitions are left out of saved and exported snapshots.
	ExcludePartitions []string `yaml:"exclude_partitions"`
}

// Validate validates the autosave configuration.
func (c *AutosaveConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.SaveDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.IgnorePrefixes, validation.Each(validation.Required)),
		validation.Field(&c.ExcludePartitions, validation.Each(validation.Required,
			validation.NotIn(persist.VersionKey, persist.OriginKey))),
	)
}

// HistoryConfig bounds undo.
type HistoryConfig struct {
	// Depth of the undo ring. Zero uses the default, -1 disables undo.
	Depth int `yaml:"depth"`
}

// Validate validates the history configuration.
func (c *HistoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Depth, validation.Min(-1), validation.Max(10000)),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Data: DataConfig{
			Path:  "./data",
			Key:   persist.DefaultKey,
			Watch: true,
		},
		Handles: HandlesConfig{
			SQLitePath: "./tracker-handles.db",
		},
		Autosave: AutosaveConfig{
			Debounce:  persist.DefaultAutosaveDebounce,
			SaveDelay: persist.DefaultSaveDelay,
		},
		History: HistoryConfig{
			Depth: statestore.DefaultHistoryDepth,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
