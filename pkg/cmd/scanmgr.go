package cmd

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/greenbone/scanmgr"
)

type Flags struct {
	Config string
}

func Run() error {
	var f Flags

	v := scanmgr.NewViper()
	conf := new(scanmgr.Configuration)
	eng := new(scanmgr.Engine)

	com := &cobra.Command{
		Use:   "scanmgr",
		Short: "Severity resolution and scan dispatch for vulnerability reports",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := scanmgr.LoadConfiguration(v, f.Config)
			if err != nil {
				return err
			}
			*conf = *c

			level, err := zerolog.ParseLevel(conf.LogLevel)
			if err != nil {
				log.Warn().Msgf("unknown log level %q, keeping %s", conf.LogLevel, zerolog.GlobalLevel())
			} else {
				zerolog.SetGlobalLevel(level)
			}

			scanmgr.LoadEngine(eng, conf, nil)
			return nil
		},
	}

	// These flags propagate; viper ranks them above environment and
	// config file values.
	fl := com.PersistentFlags()
	fl.StringVar(&f.Config, "config", "", "Path to configuration file")
	fl.String("database", "", `Database location. "-" selects an in-memory store`)
	fl.String("log-level", "", "Log level: trace, debug, info, warn, error")
	fl.Uint("worker-id", 0, "Worker id used for queue claims. 0 picks the process id")
	fl.Int("max-active-scans", 0, "Cap on concurrently claimed scans. 0 means no cap")
	_ = v.BindPFlag("database", fl.Lookup("database"))
	_ = v.BindPFlag("log-level", fl.Lookup("log-level"))
	_ = v.BindPFlag("worker-id", fl.Lookup("worker-id"))
	_ = v.BindPFlag("max-active-scans", fl.Lookup("max-active-scans"))

	com.AddGroup(
		&cobra.Group{ID: scanmgr.GroupManage, Title: "Resource management:"},
		&cobra.Group{ID: scanmgr.GroupDispatch, Title: "Scan dispatch:"},
	)
	com.AddCommand(scanmgr.Commands(eng, conf)...)

	return com.Execute()
}
