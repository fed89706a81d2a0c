package driver

import (
	"github.com/tphakala/audiobridge/internal/audiocore"
	"github.com/tphakala/audiobridge/internal/errors"
)

// NewBackend builds the backend called name.
func NewBackend(name string, opts Options) (Backend, error) {
	switch name {
	case NullBackendName:
		return NewNullBackend(opts), nil
	case OtoBackendName:
		return NewOtoBackend(opts), nil
	case PortAudioBackendName:
		if b, ok := NewPortAudioBackend(opts); ok {
			return b, nil
		}
		return nil, errors.New(audiocore.ErrUnknownBackend).
			Component("audiocore.driver").
			Context("backend", name).
			Context("reason", "built without the portaudio tag").
			Build()
	default:
		return NewMalgoBackend(name, opts)
	}
}

// ExpandBackendNames replaces "auto" with the platform backends followed
// by oto and removes duplicates.
func ExpandBackendNames(names []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, n := range names {
		if n == "auto" {
			for _, p := range PlatformBackends() {
				add(p)
			}
			add(OtoBackendName)
			continue
		}
		add(n)
	}
	return out
}

// RegisterBackends registers every named backend that can be built and
// returns the errors of those that could not.
func RegisterBackends(r *Registry, names []string, opts Options) error {
	var errs []error
	for _, name := range ExpandBackendNames(names) {
		b, err := NewBackend(name, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.Register(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
