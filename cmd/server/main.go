package main

import (
	"flag"
	"log"
	"os"

	approuters "github.com/Riotolondon/fleet-sub000/internal/app_routers"
	"github.com/Riotolondon/fleet-sub000/internal/configuration"
)

func main() {
	defaultPath := configuration.DefaultConfigPath
	if p, ok := os.LookupEnv("FLEET_CONFIG"); ok && p != "" {
		defaultPath = p
	}
	configPath := flag.String("config", defaultPath, "path to the JSON configuration file")
	flag.Parse()

	container, err := configuration.BuildContainer(*configPath)
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}

	// Ensure cleanup on shutdown
	defer container.Close()

	approuters.StartServer(container)
}
