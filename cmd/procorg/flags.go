package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
	// APIUrl switches the command from direct store access to the HTTP
	// API of a running procorg server.
	APIUrl     string
	APITimeout time.Duration
}

// RegisterFlags holds flags for the register command.
type RegisterFlags struct {
	Name        string
	Command     string
	Cron        string
	Description string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Name   string
	Status string
}

// LogsFlags holds flags for the logs command.
type LogsFlags struct {
	Stream   string
	Follow   bool
	MaxLines int
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen        string
	WithScheduler bool
}
