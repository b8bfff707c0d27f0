package scanmgr

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "SCANMGR"

// Configuration of one scanmgr process. Values resolve flags over
// environment (SCANMGR_*) over config file over defaults.
type Configuration struct {
	// Database is the sqlite location. "-" or ":memory:" select an
	// in-memory store that lives as long as the process.
	Database string `mapstructure:"database"`
	LogLevel string `mapstructure:"log-level"`

	// WorkerID identifies this process in queue claims. 0 picks the
	// process id.
	WorkerID uint `mapstructure:"worker-id"`
	// MaxActiveScans caps how many claimed scans may run at once
	// across all workers. 0 leaves claiming uncapped.
	MaxActiveScans int `mapstructure:"max-active-scans"`

	// User scopes calls that do not name a user themselves
	User uint `mapstructure:"user"`
}

func (c *Configuration) DatabaseLocation() DatabaseLocation {
	switch c.Database {
	case "", "-", string(INMEMORY_DATABASE):
		return INMEMORY_DATABASE
	}
	return DatabaseLocation(c.Database)
}

// NewViper returns the settings registry with every key defaulted and
// bound to its SCANMGR_ environment variable. Callers bind their flags
// on top before loading.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("database", "scanmgr.db")
	v.SetDefault("log-level", "info")
	v.SetDefault("worker-id", 0)
	v.SetDefault("max-active-scans", 0)
	v.SetDefault("user", 1)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfiguration resolves the process configuration. A named file
// must exist and parse; with no name, scanmgr.yaml is picked up from
// the working directory when present and skipped quietly otherwise.
func LoadConfiguration(v *viper.Viper, file string) (*Configuration, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("scanmgr")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var missing viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &missing) {
			return nil, errors.Wrap(err, "failed to read configuration")
		}
	}

	conf := new(Configuration)
	if err := v.Unmarshal(conf); err != nil {
		return nil, errors.Wrap(err, "failed to parse configuration")
	}

	if conf.WorkerID == 0 {
		conf.WorkerID = uint(os.Getpid())
	}
	return conf, nil
}
