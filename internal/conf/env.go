package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// AUDIOBRIDGE_AUDIO_SAMPLERATE for audio.samplerate.
const EnvPrefix = "AUDIOBRIDGE"

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string
	Validate  func(string) error
}

// envVar returns the environment variable name of a config key.
func envVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// getEnvBindings lists the overrides that are checked before use.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", validateEnvBool},
		{"audio.backend", nil},
		{"audio.device", nil},
		{"audio.samplerate", validateEnvRange(8000, 384000)},
		{"audio.channels", validateEnvRange(1, 32)},
		{"audio.buffersize", validateEnvRange(16, 4096)},
		{"audio.render.mode", validateEnvRenderMode},
		{"audio.listener.interval", validateEnvDuration},
		{"audio.enumeration.cachettl", validateEnvDuration},
		{"midi.enabled", validateEnvBool},
		{"midi.port", nil},
		{"record.enabled", validateEnvBool},
		{"mqtt.enabled", validateEnvBool},
		{"mqtt.broker", nil},
		{"mqtt.password", nil},
		{"webserver.enabled", validateEnvBool},
		{"webserver.listen", nil},
		{"telemetry.enabled", validateEnvBool},
		{"telemetry.dsn", nil},
	}
}

// bindEnvVars binds and checks the listed overrides.
func bindEnvVars(v *viper.Viper) error {
	var warnings []string
	for _, binding := range getEnvBindings() {
		name := envVar(binding.ConfigKey)
		if err := v.BindEnv(binding.ConfigKey, name); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", name, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(name); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", name, value, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f", value)
	}
	return nil
}

func validateEnvDuration(value string) error {
	if _, err := time.ParseDuration(value); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	return nil
}

func validateEnvRenderMode(value string) error {
	switch strings.ToLower(value) {
	case "idle", "realtime":
		return nil
	}
	return fmt.Errorf("render mode must be idle or realtime, got '%s'", value)
}

func validateEnvRange(lo, hi int) func(string) error {
	return func(value string) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		if n < lo || n > hi {
			return fmt.Errorf("must be between %d and %d, got %d", lo, hi, n)
		}
		return nil
	}
}

// configureEnvironmentVariables enables AUDIOBRIDGE_ overrides for every key.
func configureEnvironmentVariables(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return bindEnvVars(v)
}
