package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/concordkit/concord/internal/config"
	"github.com/concordkit/concord/internal/kernel"
	"github.com/concordkit/concord/internal/logging"
	"github.com/concordkit/concord/internal/methodology"
)

func main() {
	configPath := flag.String("config", "", "path to component config (toml)")
	flag.Parse()

	logging.Configure(logging.ProfileRuntime)

	cfg := config.DefaultComponentConfig()
	if *configPath != "" {
		loaded, err := loadComponentConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kernelctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc, err := kernel.NewService(cfg, methodology.ReferenceEngine{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernelctl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "kernelctl: %v\n", err)
		os.Exit(1)
	}
}
