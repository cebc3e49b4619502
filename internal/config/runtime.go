package config

import (
	"github.com/caarlos0/env/v11"
)

// Runtime holds process-level settings that are not part of the persisted
// configuration document. They come from the environment so the GUI and
// launch scripts can tune the daemon without touching config.json.
type Runtime struct {
	Home      string `env:"FELAY_HOME"`
	LogLevel  string `env:"FELAY_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"FELAY_LOG_PRETTY"`
	LogToFile bool   `env:"FELAY_LOG_FILE"`
}

// LoadRuntime parses the FELAY_* environment variables.
func LoadRuntime() (*Runtime, error) {
	rt := &Runtime{}
	if err := env.Parse(rt); err != nil {
		return nil, err
	}
	return rt, nil
}
