//go:build !portaudio

package driver

// PortAudioBackendName is the name of the PortAudio backend.
const PortAudioBackendName = "portaudio"

// NewPortAudioBackend returns the PortAudio backend; ok is false when the
// binary was built without PortAudio.
func NewPortAudioBackend(_ Options) (Backend, bool) {
	return nil, false
}
