package conf

import (
	"github.com/spf13/viper"
)

// setDefaultConfig sets default values for every configuration key.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "audiobridge")
	v.SetDefault("main.log.enabled", false)
	v.SetDefault("main.log.path", "logs/audiobridge.log")
	v.SetDefault("main.log.maxsize", 100)
	v.SetDefault("main.log.maxbackups", 3)
	v.SetDefault("main.log.maxage", 28)

	v.SetDefault("audio.backend", "auto")
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.samplerate", 48000)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.buffersize", 512)
	v.SetDefault("audio.ringbufferframes", 8192)
	v.SetDefault("audio.midieventsperperiod", 256)
	v.SetDefault("audio.midiqueuecapacity", 1024)
	v.SetDefault("audio.softwarefallback", true)

	v.SetDefault("audio.render.minreserveidle", 4096)
	v.SetDefault("audio.render.minreserverealtime", 1024)
	v.SetDefault("audio.render.mode", "idle")
	v.SetDefault("audio.render.realtimepriority", false)

	v.SetDefault("audio.listener.enabled", true)
	v.SetDefault("audio.listener.interval", "2s")
	v.SetDefault("audio.listener.watchpaths", []string{"/dev/snd"})

	v.SetDefault("audio.enumeration.cachettl", "2s")

	v.SetDefault("midi.enabled", false)
	v.SetDefault("midi.port", "none")
	v.SetDefault("midi.baudrate", 31250)

	v.SetDefault("record.enabled", false)
	v.SetDefault("record.path", "recordings/output.wav")
	v.SetDefault("record.bitdepth", 16)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "audiobridge")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.clientid", "")

	v.SetDefault("webserver.enabled", false)
	v.SetDefault("webserver.listen", "127.0.0.1:8080")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
}
