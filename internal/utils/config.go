package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Settings are tool-wide defaults. Environment variables seed them, an
// optional YAML settings file overrides the seeds, and explicit flags win
// over both.
type Settings struct {
	OutputDir      string        `env:"SNAPGRAB_OUTPUT" envDefault:"downloads" yaml:"output"`
	Workers        int           `env:"SNAPGRAB_WORKERS" envDefault:"1" yaml:"workers"`
	Retries        int           `env:"SNAPGRAB_RETRIES" envDefault:"3" yaml:"retries"`
	HTTPTimeout    time.Duration `env:"SNAPGRAB_HTTP_TIMEOUT" envDefault:"60s" yaml:"httpTimeout"`
	ConvertTimeout time.Duration `env:"SNAPGRAB_CONVERT_TIMEOUT" envDefault:"5m" yaml:"convertTimeout"`
	FFmpegPath     string        `env:"SNAPGRAB_FFMPEG" envDefault:"ffmpeg" yaml:"ffmpeg"`
	FFprobePath    string        `env:"SNAPGRAB_FFPROBE" envDefault:"ffprobe" yaml:"ffprobe"`
	VLCPath        string        `env:"SNAPGRAB_VLC" yaml:"vlc"`
	AWSProfile     string        `env:"SNAPGRAB_AWS_PROFILE" envDefault:"default" yaml:"awsProfile"`
	UserAgent      string        `env:"SNAPGRAB_USER_AGENT" envDefault:"snapgrab/1337" yaml:"userAgent"`
}

// LoadSettings builds Settings from the environment, then overlays the YAML
// settings file when one is given.
func LoadSettings(configFile string) (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, fmt.Errorf("error parsing environment config: %v", err)
	}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return s, fmt.Errorf("error reading settings file: %v", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("error parsing settings file: %v", err)
		}
	}
	if s.Workers < 1 {
		s.Workers = 1
	}
	if s.Retries < 1 {
		s.Retries = DefaultRetries
	}
	return s, nil
}
