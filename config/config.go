// Package config loads rdbgd's on-disk configuration: listen
// address/port and which subsystems log.
//
// Grounded on go-delve/delve's pkg/config/config.go LoadConfig/SaveConfig
// shape (config directory under the user's home, create-default-on-first-run
// behavior); ported from the teacher's yaml.v2 to this module's yaml.v3,
// since go.mod already carries v3 and the marshal/unmarshal API is
// source-compatible for this struct shape.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".rdbg"
	configFileName = "rdbgd.yml"

	DefaultPort          = 5073
	DefaultListenAddress = "127.0.0.1"
)

// Config holds every option rdbgd reads from its config file.
type Config struct {
	// ListenAddress/Port are where rdbgd accepts the single RPC client.
	ListenAddress string `yaml:"listen-address"`
	Port          int    `yaml:"port"`

	// Log enables logging at all; LogOutput selects which subsystems
	// (comma-separated: ptrace,memory,breakpoint,elf,loader,rpc,debugger).
	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output"`

	// IdleConnectionLogInterval is loaded and saved with the file; neither
	// rdbgd nor rpc.Server reads it, so it has no effect on logging.
	IdleConnectionLogInterval time.Duration `yaml:"idle-connection-log-interval"`
}

func defaultConfig() Config {
	return Config{
		ListenAddress: DefaultListenAddress,
		Port:          DefaultPort,
		Log:           false,
		LogOutput:     "debugger",
	}
}

// Load reads the config file, creating a default one on first run.
func Load() (*Config, error) {
	if err := createConfigPath(); err != nil {
		return nil, fmt.Errorf("could not create config directory: %w", err)
	}

	fullPath, err := FilePath(configFileName)
	if err != nil {
		return nil, fmt.Errorf("unable to get config file path: %w", err)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		f, err = createDefault(fullPath)
		if err != nil {
			return nil, fmt.Errorf("error creating default config file: %w", err)
		}
	}
	defer f.Close()

	var c Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %w", err)
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}

	return &c, nil
}

// Save marshals and writes conf back to its config file.
func Save(conf *Config) error {
	fullPath, err := FilePath(configFileName)
	if err != nil {
		return err
	}

	f, err := os.Create(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := yaml.NewEncoder(f)
	defer encoder.Close()
	return encoder.Encode(conf)
}

func createDefault(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %w", err)
	}

	encoder := yaml.NewEncoder(f)
	defaults := defaultConfig()
	if err := encoder.Encode(&defaults); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("unable to write default configuration: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func createConfigPath() error {
	dir, err := FilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// FilePath joins the config directory (under the user's home) with file.
func FilePath(file string) (string, error) {
	home := "."
	if usr, err := user.Current(); err == nil {
		home = usr.HomeDir
	}
	return path.Join(home, configDirName, file), nil
}
