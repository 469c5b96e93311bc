// Package config holds the daemon's own configuration: where to find
// the urpmi configuration and rpmdb, which backend/resolver executables
// to invoke, and how to configure logging and the IPC bus. Loaded from
// a YAML file then overlaid with environment variables, mirroring the
// teacher's pkg/config/config.go.
package config

import (
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const envPrefix = "mdvpkgd"

// Config is the daemon's top level configuration.
type Config struct {
	// BusName is the D-Bus service name the daemon acquires.
	BusName string `yaml:"bus_name" envconfig:"bus_name"`

	// UrpmiConfDir is the directory holding the urpmi configuration
	// file; also the directory watched for reload events.
	UrpmiConfDir string `yaml:"urpmi_conf_dir" envconfig:"urpmi_conf_dir"`
	// UrpmiConfFile is the configuration file name within UrpmiConfDir.
	UrpmiConfFile string `yaml:"urpmi_conf_file" envconfig:"urpmi_conf_file"`
	// UrpmiDataDir is the directory holding per-media synthesis files.
	UrpmiDataDir string `yaml:"urpmi_data_dir" envconfig:"urpmi_data_dir"`
	// RpmdbPath is the rpm executable used to list installed packages;
	// empty runs `rpm` from PATH.
	RpmdbPath string `yaml:"rpmdb_path" envconfig:"rpmdb_path"`

	// BackendPath is the executable driving installs/removals.
	BackendPath string `yaml:"backend_path" envconfig:"backend_path"`
	// ResolverPath is the executable computing dependency plans.
	ResolverPath string `yaml:"resolver_path" envconfig:"resolver_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" envconfig:"log_level"`
	// LogJSON selects the JSON log formatter when true.
	LogJSON bool `yaml:"log_json" envconfig:"log_json"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		BusName:       "org.mandrivalinux.MdvPkg",
		UrpmiConfDir:  "/etc/urpmi",
		UrpmiConfFile: "urpmi.cfg",
		UrpmiDataDir:  "/var/lib/urpmi",
		BackendPath:   "/usr/libexec/mdvpkg/backend",
		ResolverPath:  "/usr/libexec/mdvpkg/resolver",
		LogLevel:      "info",
	}
}

// Load reads path (if non-empty and present) as YAML onto the defaults,
// then overlays environment variables prefixed MDVPKGD_.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, errors.Wrapf(err, "reading daemon config %s", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing daemon config %s", path)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, errors.Wrap(err, "applying environment overrides")
	}
	return cfg, nil
}
