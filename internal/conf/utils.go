package conf

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/tphakala/audiobridge/internal/errors"
)

const appDir = "audiobridge"

// GetDefaultConfigPaths returns the directories searched for config.yaml.
// When one of them already holds a config.yaml only that one is returned.
func GetDefaultConfigPaths() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategorySystem).
			Context("operation", "get-home-directory").
			Build()
	}

	var configPaths []string
	switch runtime.GOOS {
	case "windows":
		exePath, err := os.Executable()
		if err != nil {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategorySystem).
				Context("operation", "get-executable-path").
				Build()
		}
		configPaths = []string{
			filepath.Dir(exePath),
			filepath.Join(homeDir, "AppData", "Roaming", appDir),
		}
	default:
		configPaths = []string{
			filepath.Join(homeDir, ".config", appDir),
			filepath.Join("/etc", appDir),
		}
	}

	for _, path := range configPaths {
		if _, err := os.Stat(filepath.Join(path, "config.yaml")); err == nil {
			return []string{path}, nil
		}
	}
	return configPaths, nil
}

// Backends splits audio.backend into backend names.
func (a *AudioSettings) Backends() []string {
	var names []string
	for _, n := range strings.Split(a.Backend, ",") {
		if n = strings.TrimSpace(strings.ToLower(n)); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	fail := func(op string, err error) error {
		return errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", op).
			FileContext(dst).
			Build()
	}

	in, err := os.Open(src)
	if err != nil {
		return fail("open-temp-config", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fail("create-config", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fail("copy-config", err)
	}
	if err := out.Close(); err != nil {
		return fail("close-config", err)
	}
	if err := os.Remove(src); err != nil {
		return fail("remove-temp-config", err)
	}
	return nil
}
