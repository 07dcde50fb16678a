package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/concordkit/concord/internal/logging"
	"github.com/concordkit/concord/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to orchestrator config (toml)")
	flag.Parse()

	logging.Configure(logging.ProfileRuntime)

	cfg := orchestrator.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orchctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := orchestrator.NewService(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchctl: %v\n", err)
		os.Exit(1)
	}
}
