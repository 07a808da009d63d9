// Package config handles command-line configuration: plain flag.FlagSet
// plus bytefmt for human-readable byte-size flags.
package config

import (
	"flag"
	"fmt"
	"time"

	"code.cloudfoundry.org/bytefmt"
)

// Config is the daemon's resolved configuration.
type Config struct {
	MountPath   string
	OverlayPath string
	JournalPath string

	WriteBudget uint64 // bytes; buffered overlay backpressure threshold
	AtimeCutoff time.Duration

	LogLevel string

	CqlHosts    string
	CqlKeyspace string

	RootHash string // hex-encoded Tree hash to check out fresh; empty mounts an empty root
}

var (
	writeBudgetString string
	atimeCutoffString string
)

// Register binds this package's flags onto fs via plain
// flag.StringVar registration.
func Register(fs *flag.FlagSet, cfg *Config) {
	const (
		defaultMountPath   = "/mnt/sapling"
		defaultOverlayPath = "/var/lib/sapling/overlay.db"
		defaultJournalPath = "/var/lib/sapling/journal.db"
		defaultWriteBudget = "64M"
		defaultAtimeCutoff = "5m"
	)

	fs.StringVar(&cfg.MountPath, "mountpath", defaultMountPath,
		"Path to mount the checkout at")
	fs.StringVar(&cfg.OverlayPath, "overlay", defaultOverlayPath,
		"Path to the overlay catalog database")
	fs.StringVar(&cfg.JournalPath, "journal", defaultJournalPath,
		"Path to the journal database")
	fs.StringVar(&writeBudgetString, "writeBudget", defaultWriteBudget,
		"Outstanding-bytes budget for the buffered overlay write-behind queue, e.g. 64M or 1G")
	fs.StringVar(&atimeCutoffString, "atimeCutoff", defaultAtimeCutoff,
		"How long an unreferenced directory must sit idle before it is unloaded")
	fs.StringVar(&cfg.LogLevel, "logLevel", "debug",
		"Default qlog verbosity: error, warn, debug, or vlog")
	fs.StringVar(&cfg.CqlHosts, "cqlHosts", "",
		"Comma-separated Cassandra hosts for the CQL object store backend; empty disables it")
	fs.StringVar(&cfg.CqlKeyspace, "cqlKeyspace", "sapling",
		"Cassandra keyspace for the CQL object store backend")
	fs.StringVar(&cfg.RootHash, "rootHash", "",
		"Hex-encoded Tree hash to check out as the root on a fresh mount; ignored once the overlay already holds a root")
}

// Resolve parses the bytefmt/duration string flags Register bound and
// fills in the corresponding typed Config fields. Call after fs.Parse().
func Resolve(cfg *Config) error {
	budget, err := bytefmt.ToBytes(writeBudgetString)
	if err != nil {
		return fmt.Errorf("config: invalid writeBudget %q: %w", writeBudgetString, err)
	}
	cfg.WriteBudget = budget

	cutoff, err := time.ParseDuration(atimeCutoffString)
	if err != nil {
		return fmt.Errorf("config: invalid atimeCutoff %q: %w", atimeCutoffString, err)
	}
	cfg.AtimeCutoff = cutoff

	return nil
}
