// Package config handles the debugger configuration file and the
// session history file location.
package config

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir   string = ".tinydbg"
	configFile  string = "config.yml"
	historyFile string = ".dbg_history"
)

// Config defines all configuration options available to be set through
// the config file.
type Config struct {
	// Aliases maps a command verb to additional names it should
	// answer to.
	Aliases map[string][]string `yaml:"aliases"`
}

// LoadConfig attempts to populate a Config object from the config.yml
// file. A missing or malformed file is not an error; the returned config
// is simply empty.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		createDefaultConfig(fullConfigFile)
		return &Config{}
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read config data: %v.\n", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to decode config file: %v.\n", err)
		return &Config{}
	}

	return &c
}

// HistoryFilePath returns the full path of the command history file.
func HistoryFilePath() (string, error) {
	return GetConfigFilePath(historyFile)
}

func createDefaultConfig(path string) {
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to create config file: %v.\n", err)
		return
	}
	defer f.Close()
	err = writeDefaultConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to write default configuration: %v.\n", err)
	}
}

func writeDefaultConfig(f *os.File) error {
	var buffer bytes.Buffer
	buffer.WriteString(
		`# Configuration file for the tinydbg debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]
`)

	_, err := buffer.WriteTo(f)

	return err
}

// createConfigPath creates the directory structure at which all config
// files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
