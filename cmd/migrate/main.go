// migrate applies the collector schema from embedded SQL.
//
//	migrate --direction up|down
//	migrate --version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"campus-telemetry/internal/config"
	"campus-telemetry/internal/db/migrate"
)

func main() {
	direction := pflag.StringP("direction", "d", "up", "Migration direction: up or down")
	showVersion := pflag.Bool("version", false, "Print the applied schema version and exit")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if *showVersion {
		v, dirty, err := migrate.Version(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "migrate:", err)
			os.Exit(1)
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
		return
	}

	if err := migrate.Run(cfg.DatabaseURL, migrate.Direction(*direction)); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}
