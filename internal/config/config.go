// Copyright (C) 2024 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// configuration values of the DBS front-ends.
package config

import (
	"flag"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	defaultConfig = "/etc/dbs/config.toml"
)

var Cfg Config

// Configuration structure for the dbssrv daemon. We use toml format for
// file-based configuration and also all configuration options can be
// overriden by environment variable specified in this structure.
type Config struct {
	ConfigPath string

	Listen string `toml:"listen" env:"DBS_LISTEN" env-default:"localhost:10809" env-description:"Address the NBD server listens on."`

	Log struct {
		Level  int  `toml:"level" env:"DBS_LOG_LEVEL" env-default:"1" env-description:"Log level."`
		Pretty bool `toml:"pretty" env:"DBS_LOG_PRETTY" env-default:"true" env-description:"Pretty logging."`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"DBS_PROFILER" env-default:"false" env-description:"Enable golang web profiler."`
	ProfilerPort int  `toml:"profiler_port" env:"DBS_PROFILER_PORT" env-default:"6060" env-description:"Port to listen on."`
}

// Configure reads commandline flags and handles the configuration. The
// configuration file has the lower priority and the environment
// variables have the highest priority. It is perfectly fine to use just
// one of these or to combine them. Positional arguments left after flag
// parsing are returned to the caller.
func Configure() ([]string, error) {
	args := flagSetup()
	err := parse()

	return args, err
}

// Parse the configuration file and read the environment variables.
func parse() error {
	if err := cleanenv.ReadConfig(Cfg.ConfigPath, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	return nil
}

// Handle program flags.
func flagSetup() []string {
	f := flag.NewFlagSet("dbssrv", flag.ExitOnError)
	f.StringVar(&Cfg.ConfigPath, "c", defaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &Cfg, nil, f.Usage)
	f.Parse(os.Args[1:])

	return f.Args()
}
