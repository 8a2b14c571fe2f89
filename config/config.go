package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	// Set default values
	v.SetDefault("session.barrier_timeout", 10*time.Second)
	v.SetDefault("session.video_frame_duration", 33333*time.Microsecond)
	v.SetDefault("session.audio_frame_duration", 21333*time.Microsecond)
	v.SetDefault("session.config_size_heuristic", true)

	v.SetDefault("output.format", "mp4")
	v.SetDefault("output.dir", ".")

	v.SetDefault("stream.buffer", 64*1024)

	// Environment variables
	v.SetEnvPrefix("AVREC")
	v.AutomaticEnv()
	v.BindEnv("session.barrier_timeout", "AVREC_BARRIER_TIMEOUT")
	v.BindEnv("session.config_size_heuristic", "AVREC_CONFIG_SIZE_HEURISTIC")
	v.BindEnv("output.format", "AVREC_OUTPUT_FORMAT")
	v.BindEnv("output.dir", "AVREC_OUTPUT_DIR")
	v.BindEnv("stream.buffer", "AVREC_STREAM_BUFFER")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Look for config in the following paths
	configPaths := []string{
		".",
		filepath.Join(xdg.ConfigHome, "avrec"),
		"/etc/avrec",
	}

	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// BindFlag lets a command line flag override a config key when it is set.
func BindFlag(key string, flag *pflag.Flag) error {
	return v.BindPFlag(key, flag)
}

// GetBarrierTimeout returns how long a session waits for the second track
// format. Zero disables the watchdog.
func GetBarrierTimeout() time.Duration {
	return v.GetDuration("session.barrier_timeout")
}

// GetVideoFrameDuration returns the nominal video frame duration used when
// anchoring the timeline.
func GetVideoFrameDuration() time.Duration {
	return v.GetDuration("session.video_frame_duration")
}

// GetAudioFrameDuration returns the nominal audio frame duration.
func GetAudioFrameDuration() time.Duration {
	return v.GetDuration("session.audio_frame_duration")
}

// GetConfigSizeHeuristic reports whether small zero-pts frames are treated
// as codec config.
func GetConfigSizeHeuristic() bool {
	return v.GetBool("session.config_size_heuristic")
}

// GetOutputFormat returns the default container format name
func GetOutputFormat() string {
	return v.GetString("output.format")
}

// GetOutputDir returns the directory for generated output names
func GetOutputDir() string {
	return v.GetString("output.dir")
}

// GetStreamBuffer returns the read buffer size of framed input streams
func GetStreamBuffer() int {
	return v.GetInt("stream.buffer")
}
