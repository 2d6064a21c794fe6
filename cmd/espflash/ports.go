package main

import (
	"fmt"

	"espzipflasher/internal/ports"
)

type PortsCmd struct{}

var portsCmd PortsCmd

func init() {
	parser.AddCommand("ports",
		"Lists serial ports",
		"Lists serial ports attached to the host, sorted and without duplicates",
		&portsCmd)
}

func (portsCmd *PortsCmd) Execute(args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	names, err := ports.Discover(ports.SerialLister)
	if err != nil {
		return fmt.Errorf("failed to detect ports: %w", err)
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
