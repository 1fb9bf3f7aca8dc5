package main

import "time"

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	Root       string // data root; empty uses Settings.yaml or XDG
	ConfigPath string // Settings.yaml override
	Verbose    bool   // also log to stderr
	JSON       bool   // machine-readable output
}

type CreateFlags struct {
	Prefix     string
	UseExeName bool
	Args       string
	Runner     string
}

type ScanFlags struct {
	Executables bool // create descriptors for every .exe instead of .lnk files
}

type LaunchFlags struct {
	Wait    bool          // block until the program ends
	Timeout time.Duration // with Wait; zero waits forever
}

type CloneFlags struct {
	Arch string
}

type BackupFlags struct {
	Out string
}

type HistoryFlags struct {
	Limit int
}

type ServeFlags struct {
	Listen string
	Watch  bool
}
