// Package conf loads and validates the forwarder configuration file.
package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Conf is the top-level configuration document: a list of independently
// configured forwarders, each binding one local address.
type Conf struct {
	Forwarders []ForwardSessionConfig `yaml:"forwarders"`
}

// LoadFromFile reads and validates a YAML config file. Every forwarder's
// validation errors are collected and reported together, rather than
// failing on the first one, so a single `-c` run surfaces every problem
// in the file at once.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(c.Forwarders) == 0 {
		return nil, fmt.Errorf("config %s: no forwarders configured", path)
	}

	for i := range c.Forwarders {
		c.Forwarders[i].SetDefaults()
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Conf) validate() error {
	var allErrors []error
	for i := range c.Forwarders {
		for _, err := range c.Forwarders[i].Validate() {
			allErrors = append(allErrors, fmt.Errorf("forwarders[%d] %v", i, err))
		}
	}
	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}
