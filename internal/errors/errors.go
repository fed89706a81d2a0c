// Package errors wraps errors with a component, a category and context so
// that the audio pipeline, the control surfaces and telemetry can group
// failures without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors for handling, HTTP status mapping and telemetry.
type ErrorCategory string

const (
	CategoryGeneric       ErrorCategory = "generic"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryState         ErrorCategory = "state"
	CategoryLimit         ErrorCategory = "limit"
	CategoryTimeout       ErrorCategory = "timeout"
	CategorySystem        ErrorCategory = "system-resource"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryFileParsing   ErrorCategory = "file-parsing"
	CategoryNetwork       ErrorCategory = "network"

	// Audio pipeline
	CategoryAudio       ErrorCategory = "audio-processing"
	CategoryAudioDevice ErrorCategory = "audio-device"
	CategoryBuffer      ErrorCategory = "audio-buffer"
	CategoryWorker      ErrorCategory = "worker"
	CategoryMIDI        ErrorCategory = "midi"

	CategoryMQTTConnection ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish    ErrorCategory = "mqtt-publish"
)

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

const packagePath = "github.com/tphakala/audiobridge/internal/errors"

// EnhancedError wraps an error with its component, category and context.
// It is immutable after Build apart from the reported flag.
type EnhancedError struct {
	Err       error
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time

	component string
	reported  atomic.Bool
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	if ee.Err == nil {
		return string(ee.Category)
	}
	return ee.Err.Error()
}

// Unwrap implements the error unwrapping interface
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches another EnhancedError when both category and message agree,
// so two sentinels sharing a category stay distinguishable.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category && ee.Error() == ee2.Error()
	}
	return false
}

// GetComponent returns the component the error was raised in.
func (ee *EnhancedError) GetComponent() string { return ee.component }

// GetCategory returns the error category
func (ee *EnhancedError) GetCategory() string { return string(ee.Category) }

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

// GetTimestamp returns when the error was built
func (ee *EnhancedError) GetTimestamp() time.Time { return ee.Timestamp }

// GetMessage returns the wrapped error's message
func (ee *EnhancedError) GetMessage() string {
	if ee.Err != nil {
		return ee.Err.Error()
	}
	return ""
}

// MarkReported marks this error as sent to telemetry
func (ee *EnhancedError) MarkReported() { ee.reported.Store(true) }

// IsReported returns whether this error was sent to telemetry
func (ee *EnhancedError) IsReported() bool { return ee.reported.Load() }

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts an enhanced error wrapping err
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts an enhanced error from a format string
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name. When unset it is derived from the
// caller's package while reporting is active.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds a key/value pair
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any, 4)
	}
	eb.context[key] = value
	return eb
}

// DeviceContext adds the device id and backend of an audio or MIDI device
func (eb *ErrorBuilder) DeviceContext(deviceID, backend string) *ErrorBuilder {
	if deviceID != "" {
		eb.Context("device_id", deviceID)
	}
	if backend != "" {
		eb.Context("backend", backend)
	}
	return eb
}

// FileContext records the file name and extension, never the directory.
func (eb *ErrorBuilder) FileContext(path string) *ErrorBuilder {
	if path == "" {
		return eb
	}
	eb.Context("file_name", filepath.Base(path))
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."); ext != "" {
		eb.Context("file_extension", ext)
	}
	return eb
}

// Build creates the EnhancedError and hands it to the event bus and
// telemetry when either is configured.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
		component: eb.component,
	}
	active := hasActiveReporting.Load()

	if ee.component == "" {
		ee.component = ComponentUnknown
		if active {
			ee.component = callerComponent()
		}
	}
	if ee.Category == "" {
		ee.Category = inheritedCategory(eb.err)
		if ee.Category == CategoryGeneric && active {
			ee.Category = guessCategory(eb.err, ee.component)
		}
	}

	if active {
		reportError(ee)
	}
	return ee
}

// inheritedCategory returns the category of a wrapped EnhancedError or CategoryGeneric
func inheritedCategory(err error) ErrorCategory {
	var enhErr *EnhancedError
	if err != nil && stderrors.As(err, &enhErr) && enhErr.Category != "" {
		return enhErr.Category
	}
	return CategoryGeneric
}

// componentPrefixes maps package path fragments to component names. The
// first match wins.
var componentPrefixes = []struct{ fragment, component string }{
	{"audiocore/ringbuf", "audiocore.ringbuf"},
	{"audiocore/midi", "audiocore.midi"},
	{"audiocore/driver", "audiocore.driver"},
	{"audiocore/scheduler", "audiocore.scheduler"},
	{"audiocore/device", "audiocore.device"},
	{"audiocore/engine", "audiocore.engine"},
	{"internal/render", "render"},
	{"internal/conf", "configuration"},
	{"internal/mqtt", "mqtt"},
	{"internal/httpcontroller", "http-controller"},
	{"internal/bridge", "bridge"},
}

// callerComponent walks the stack to the first frame outside this package
// and names it by package.
func callerComponent() string {
	pcs := make([]uintptr, 16)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, packagePath+".") {
			return componentFor(frame.Function)
		}
		if !more {
			return ComponentUnknown
		}
	}
}

func componentFor(funcName string) string {
	for _, p := range componentPrefixes {
		if strings.Contains(funcName, p.fragment) {
			return p.component
		}
	}
	// github.com/x/y/pkg.(*T).Method -> pkg
	last := funcName[strings.LastIndex(funcName, "/")+1:]
	if i := strings.IndexByte(last, '.'); i > 0 {
		return last[:i]
	}
	return ComponentUnknown
}

// messageCategories is checked in order against the lowercased message.
var messageCategories = []struct {
	keyword  string
	category ErrorCategory
}{
	{"midi", CategoryMIDI},
	{"underrun", CategoryBuffer},
	{"ring buffer", CategoryBuffer},
	{"device", CategoryAudioDevice},
	{"no such file", CategoryFileIO},
	{"permission denied", CategoryFileIO},
	{"connection", CategoryNetwork},
	{"timeout", CategoryTimeout},
	{"invalid", CategoryValidation},
}

// guessCategory derives a category for errors built without one, first
// from the message and then from the component.
func guessCategory(err error, component string) ErrorCategory {
	if err == nil {
		return CategoryGeneric
	}
	msg := strings.ToLower(err.Error())
	for _, mc := range messageCategories {
		if strings.Contains(msg, mc.keyword) {
			return mc.category
		}
	}

	switch component {
	case "audiocore.driver", "audiocore.device":
		return CategoryAudioDevice
	case "audiocore.ringbuf":
		return CategoryBuffer
	case "audiocore.midi":
		return CategoryMIDI
	case "audiocore.scheduler":
		return CategoryWorker
	case "render":
		return CategoryAudio
	}
	return CategoryGeneric
}

// NewStd creates a plain error (passthrough to standard library)
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory checks if an error is an EnhancedError with the specified category.
func IsCategory(err error, category ErrorCategory) bool {
	var enhancedErr *EnhancedError
	return As(err, &enhancedErr) && enhancedErr.Category == category
}

// IsNotFound checks if an error is an EnhancedError with CategoryNotFound.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}
