// Package config parses the server binary's CLI surface (spec.md §6)
// and environment overrides, matching cmd/115togd/main.go's practice of
// a thin, explicit startup step: flags via the standard flag package,
// local overrides layered in from a .env file via
// github.com/joho/godotenv before flags are parsed.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the immutable result of one parse. The daemon parses it
// once at startup; a SIGHUP reload re-reads the printcap and
// permissions files but does not re-parse Config.
type Config struct {
	Debug      string // "-D level[,flag]*"
	Foreground bool   // "-F"
	LogFile    string // "-L logfile"
	Version    bool   // "-V"

	ListenTCP  string // "-p port", "off" disables
	ListenUnix string // "-P path", "off" disables
	OutPort    string // "-R port"

	SpoolRoot    string
	PrintcapPath string
	PermPath     string

	// AdminAddr is the admin JSON API's listen address; empty disables it.
	AdminAddr string
	// AdminDBPath is the sqlite file backing the admin UI's own settings
	// (session secret, password hash, janitor retention).
	AdminDBPath string

	// Environment-sourced, spec.md §6 "Environment".
	LPDConf  string
	Printer  string
	Home     string
	TZ       string
}

// Defaults mirror spec.md §6: TCP port 515, no UNIX socket.
const (
	DefaultTCPPort = "515"
)

// Parse parses args (normally os.Args[1:]) into a Config, having first
// loaded envPath (if it exists) into the process environment so
// LPD_CONF and friends can be set without a wrapper script — godotenv
// populates os.Environ() before flag.Parse reads any flag whose default
// references an env var, matching cmd/115togd/main.go's env-then-flags
// ordering.
func Parse(args []string, envPath string) (*Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath) // missing .env is not an error
	}

	fs := flag.NewFlagSet("lpspoold", flag.ContinueOnError)
	cfg := &Config{}

	fs.StringVar(&cfg.Debug, "D", "", "debug level[,flag]*")
	fs.BoolVar(&cfg.Foreground, "F", false, "run in foreground")
	fs.StringVar(&cfg.LogFile, "L", "", "log file path")
	fs.BoolVar(&cfg.Version, "V", false, "print version and exit")
	fs.StringVar(&cfg.ListenTCP, "p", DefaultTCPPort, `listen TCP port, "off" to disable`)
	fs.StringVar(&cfg.ListenUnix, "P", "off", `listen UNIX socket path, "off" to disable`)
	fs.StringVar(&cfg.OutPort, "R", "", "outbound port for forwarding connections")
	fs.StringVar(&cfg.SpoolRoot, "spool", "/var/spool/lpd", "spool directory root")
	fs.StringVar(&cfg.PrintcapPath, "printcap", "/etc/printcap", "printcap file path")
	fs.StringVar(&cfg.PermPath, "perms", "/etc/lpd.perms", "permissions file path")
	fs.StringVar(&cfg.AdminAddr, "admin", "", "admin API listen address (host:port), empty disables it")
	fs.StringVar(&cfg.AdminDBPath, "admin-db", "/var/spool/lpd/admin.db", "admin UI settings database path")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.LPDConf = os.Getenv("LPD_CONF")
	cfg.Printer = firstNonEmpty(os.Getenv("PRINTER"), os.Getenv("LPDEST"), os.Getenv("NPRINTER"), os.Getenv("NGPRINTER"))
	cfg.Home = os.Getenv("HOME")
	cfg.TZ = os.Getenv("TZ")

	if os.Geteuid() == 0 {
		// spec.md §6: "LPD_CONF ... ignored if running as root".
		cfg.LPDConf = ""
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// TCPAddr returns the address to bind for the TCP listener, or ("", false)
// if disabled via "-p off".
func (c *Config) TCPAddr() (string, bool) {
	if strings.EqualFold(c.ListenTCP, "off") || c.ListenTCP == "" {
		return "", false
	}
	if _, err := strconv.Atoi(c.ListenTCP); err == nil {
		return ":" + c.ListenTCP, true
	}
	return c.ListenTCP, true
}

// UnixPath returns the UNIX socket path to bind, or ("", false) if
// disabled via "-P off".
func (c *Config) UnixPath() (string, bool) {
	if strings.EqualFold(c.ListenUnix, "off") || c.ListenUnix == "" {
		return "", false
	}
	return c.ListenUnix, true
}

// DebugFlags splits "-D level[,flag]*" into its numeric level and named
// flags, per spec.md §6.
func (c *Config) DebugFlags() (level int, flags []string) {
	if c.Debug == "" {
		return 0, nil
	}
	parts := strings.Split(c.Debug, ",")
	level, _ = strconv.Atoi(parts[0])
	if len(parts) > 1 {
		flags = parts[1:]
	}
	return level, flags
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{tcp=%s unix=%s spool=%s printcap=%s}", c.ListenTCP, c.ListenUnix, c.SpoolRoot, c.PrintcapPath)
}
