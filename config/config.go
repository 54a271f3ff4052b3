package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config drives the flint binary. Fields left zero fall back to the
// engine defaults.
type Config struct {
	Service string `yaml:"service"`
	Server  Server `yaml:"server"`
}

type Server struct {
	Addr         string `yaml:"addr"`
	Port         int    `yaml:"port"`
	MaxClients   int    `yaml:"max_clients"`
	MaxHeadBytes int    `yaml:"max_head_bytes"`
}

func Default() Config {
	return Config{
		Service: "flint",
		Server:  Server{Port: 8080},
	}
}

// Load reads a yaml config file on top of the defaults. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
