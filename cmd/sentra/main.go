package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sentra-project/sentra/internal/core"
	"github.com/sentra-project/sentra/internal/engine"
)

var version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults apply when omitted)")
	showVersion := flag.Bool("version", false, "print version and exit")
	writeConfig := flag.String("write-config", "", "write the default config to the given path and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentra %s\n", version)
		return
	}

	if *writeConfig != "" {
		if err := core.SaveConfig(core.DefaultConfig(), *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "error: writing config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("default configuration written to %s\n", *writeConfig)
		return
	}

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := eng.Run(); err != nil {
		os.Exit(1)
	}
}
