// Package conf loads and validates audiobridge settings.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/audiobridge/internal/errors"
)

//go:embed config.yaml
var configFiles embed.FS

// LogConfig controls the optional rotated log file.
type LogConfig struct {
	Enabled    bool   // write JSON logs to Path
	Path       string // log file path
	MaxSize    int    // megabytes before rotation
	MaxBackups int    // rotated files kept
	MaxAge     int    // days a rotated file is kept
}

// RenderSettings tune the render worker.
type RenderSettings struct {
	MinReserveIdle     int    // frames kept buffered in idle mode
	MinReserveRealtime int    // frames kept buffered in realtime mode
	Mode               string // "idle" or "realtime"
	RealtimePriority   bool   // raise worker thread priority where supported
}

// ListenerSettings control hot-plug detection.
type ListenerSettings struct {
	Enabled    bool
	Interval   time.Duration // polling period
	WatchPaths []string      // directories whose changes trigger a rescan
}

// EnumerationSettings control device enumeration.
type EnumerationSettings struct {
	CacheTTL time.Duration // zero disables caching
}

// AudioSettings describe the output device and the stream requested from it.
type AudioSettings struct {
	Backend             string // comma separated backend names, "auto" for the platform set
	Device              string // device id, "backend:native" or "none"
	SampleRate          int
	Channels            int
	BufferSize          int // frames per period
	RingBufferFrames    int
	MidiEventsPerPeriod int
	MidiQueueCapacity   int
	SoftwareFallback    bool // keep rendering on a software clock when no device opens
	Render              RenderSettings
	Listener            ListenerSettings
	Enumeration         EnumerationSettings
}

// MIDISettings select the MIDI output.
type MIDISettings struct {
	Enabled  bool
	Port     string // port id as listed by "midi ports"
	BaudRate int    // serial ports only
}

// RecordSettings enable the output recording tap.
type RecordSettings struct {
	Enabled  bool
	Path     string
	BitDepth int
}

// MQTTSettings configure event publishing.
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	Topic    string
	Username string
	Password string
	ClientID string
}

// WebServerSettings configure the HTTP control API.
type WebServerSettings struct {
	Enabled bool
	Listen  string
}

// TelemetrySettings configure error reporting.
type TelemetrySettings struct {
	Enabled bool
	DSN     string
}

// Settings is the complete configuration.
type Settings struct {
	Debug bool

	Main struct {
		Name string
		Log  LogConfig
	}

	Audio     AudioSettings
	MIDI      MIDISettings
	Record    RecordSettings
	MQTT      MQTTSettings
	WebServer WebServerSettings
	Telemetry TelemetrySettings
}

// loadMu serialises Load calls, which share the global viper instance
// holding the command line flag bindings.
var loadMu sync.Mutex

// Load reads the configuration file and environment variables. configFile
// overrides the default search paths when set. Bound flags take precedence
// when they were set on the command line.
func Load(configFile string) (*Settings, error) {
	loadMu.Lock()
	defer loadMu.Unlock()
	return loadInto(viper.GetViper(), configFile)
}

// loadInto reads, unmarshals and validates settings using v.
func loadInto(v *viper.Viper, configFile string) (*Settings, error) {
	if err := initViper(v, configFile); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return settings, nil
}

// initViper sets defaults, environment overrides and reads the config file,
// writing the default one when none exists.
func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)
	if err := configureEnvironmentVariables(v); err != nil {
		// Invalid overrides are reported by ValidateSettings as well
		fmt.Fprintln(os.Stderr, err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return createDefaultConfig(v, configFile)
		}
		return readConfig(v)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(v, filepath.Join(configPaths[0], "config.yaml"))
		}
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileParsing).
			FileContext(v.ConfigFileUsed()).
			Build()
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileParsing).
			FileContext(v.ConfigFileUsed()).
			Build()
	}
	return nil
}

// createDefaultConfig writes the embedded config to configPath and reads it.
func createDefaultConfig(v *viper.Viper, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fileError(err, "create-config-dir", configPath)
	}
	if err := os.WriteFile(configPath, getDefaultConfig(), 0o644); err != nil {
		return fileError(err, "write-default-config", configPath)
	}

	fmt.Fprintln(os.Stderr, "Created default config file at:", configPath)
	v.SetConfigFile(configPath)
	return readConfig(v)
}

// getDefaultConfig returns the embedded default config.yaml.
func getDefaultConfig() []byte {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return data
}

// MarshalYAML returns settings as YAML.
func MarshalYAML(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "marshal_yaml").
			Build()
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath through a temporary file so
// readers never see a partial file. Comments in the old file are lost.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := MarshalYAML(settings)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fileError(err, "create-config-dir", configPath)
	}
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fileError(err, "create-temp-config", configPath)
	}
	tempFileName := tempFile.Name()
	defer func() { _ = os.Remove(tempFileName) }()

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fileError(err, "write-temp-config", configPath)
	}
	if err := tempFile.Close(); err != nil {
		return fileError(err, "close-temp-config", configPath)
	}
	return moveFile(tempFileName, configPath)
}

func fileError(err error, op, path string) error {
	return errors.New(err).
		Component("conf").
		Category(errors.CategoryFileIO).
		Context("operation", op).
		FileContext(path).
		Build()
}
