package buildinfo

import "time"

// Set via -ldflags at build time
var (
	Version    = "dev"
	CommitHash string // short git commit hash
	BuildTime  string
)

// StartTime is recorded when the process starts
var StartTime = time.Now().UTC()

// Info is what the health endpoints report about the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
	Started   string `json:"started"`
	Uptime    string `json:"uptime"`
}

// Current snapshots build metadata plus uptime.
func Current() Info {
	return Info{
		Version:   Version,
		Commit:    CommitHash,
		BuildTime: BuildTime,
		Started:   StartTime.Format(time.RFC3339),
		Uptime:    time.Since(StartTime).Truncate(time.Second).String(),
	}
}
