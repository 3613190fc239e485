// Package common provides general utility helper functions and types
package common

import (
	"errors"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// MakeConfig reads the config file and unmarshals it over the type's
// defaults, returning the updated config instance.
func MakeConfig[T any](filePath string) (*T, error) {
	// Create a new pointer to config instance
	config := new(T)

	// If no config file path provided, return default config
	if filePath == "" {
		return config, errors.New("config file path missing")
	}

	// Read config file
	configFile, err := os.ReadFile(filePath)
	if err != nil {
		return config, err
	}

	err = yaml.Unmarshal(configFile, config)
	if err != nil {
		return config, err
	}

	return config, nil
}

// GetFreePort in this case makes the closing of the listener the responsibility
// of the caller to allow for a guarantee that multiple random port allocations
// don't collide.
func GetFreePort() (int, *net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, nil, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, nil, err
	}

	var tcpAddr *net.TCPAddr

	var ok bool
	if tcpAddr, ok = l.Addr().(*net.TCPAddr); !ok {
		return 0, nil, errors.New("failed type assertion")
	}

	return tcpAddr.Port, l, nil
}
