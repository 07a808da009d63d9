// saplingfsd is the central daemon: it wires together the object store,
// overlay, journal, and directory-inode core, mounts the result over FUSE,
// and serves requests until signaled to stop.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"
	"github.com/hanwen/go-fuse/fuse/pathfs"

	"github.com/vuduchild/sapling/pkg/config"
	"github.com/vuduchild/sapling/pkg/fuseserver"
	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/journal"
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/overlay"
	"github.com/vuduchild/sapling/pkg/qlog"
	"github.com/vuduchild/sapling/pkg/tree"
)

const (
	exitOK = iota
	exitBadConfig
	exitOverlayFail
	exitJournalFail
	exitStoreFail
	exitMountFail
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg config.Config
	config.Register(flag.CommandLine, &cfg)
	flag.Parse()

	if err := config.Resolve(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}

	level, ok := qlog.ParseLevel(cfg.LogLevel)
	if !ok {
		fmt.Fprintf(os.Stderr, "invalid logLevel %q\n", cfg.LogLevel)
		return exitBadConfig
	}
	q := qlog.NewQlog(os.Stderr, level)

	store, err := openObjectStore(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "object store: %s\n", err)
		return exitStoreFail
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	catalog, err := overlay.NewBoltCatalog(cfg.OverlayPath, overlay.InodeNumber(inodemap.RootInodeNumber+1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "overlay: %s\n", err)
		return exitOverlayFail
	}
	defer catalog.Close()
	buffered := overlay.NewBufferedOverlay(catalog, cfg.WriteBudget)
	defer buffered.Close()

	jrnl, err := journal.NewBoltJournal(cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "journal: %s\n", err)
		return exitJournalFail
	}
	defer jrnl.Close()

	mnt := tree.NewMount(store, buffered, jrnl, q)
	if err := bootstrapRoot(mnt, &cfg, buffered); err != nil {
		fmt.Fprintf(os.Stderr, "root: %s\n", err)
		return exitBadConfig
	}

	unloadPolicy := tree.NewUnloadPolicy(mnt, cfg.AtimeCutoff)
	stopScanner := runUnloadScanner(mnt, unloadPolicy)
	defer stopScanner()

	fs := fuseserver.New(mnt, q)
	pathNodeFs := pathfs.NewPathNodeFs(fs, nil)
	connector := nodefs.NewFileSystemConnector(pathNodeFs.Root(), nil)

	mountOptions := fuse.MountOptions{
		AllowOther: true,
		Name:       "sapling",
		FsName:     "sapling",
	}
	server, err := fuse.NewServer(connector.RawFS(), cfg.MountPath, &mountOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mount: %s\n", err)
		return exitMountFail
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		server.Unmount()
	}()

	server.Serve()
	return exitOK
}

// openObjectStore picks the CQL-backed store when cqlHosts is configured,
// otherwise a local bolt-backed store (daemon/config.go's equivalent
// processlocal-vs-durable split, minus the in-process-only option, which
// this daemon has no use for outside of tests).
func openObjectStore(cfg *config.Config) (objects.ObjectStore, error) {
	if cfg.CqlHosts == "" {
		path := cfg.OverlayPath + ".objects"
		return objects.NewBoltStore(path)
	}
	hosts := strings.Split(cfg.CqlHosts, ",")
	return objects.NewCqlStore(hosts, cfg.CqlKeyspace)
}

// bootstrapRoot resumes the mount's root from the overlay if a prior run
// already materialized it, otherwise checks it out fresh from cfg.RootHash
// (or an empty tree if that is unset).
func bootstrapRoot(mnt *tree.Mount, cfg *config.Config, cat overlay.InodeCatalog) error {
	if has, err := cat.HasDir(overlay.InodeNumber(inodemap.RootInodeNumber)); err != nil {
		return err
	} else if has {
		mnt.InitRoot(objects.Hash{}, true)
		return nil
	}

	var hash objects.Hash
	if cfg.RootHash != "" {
		raw, err := hex.DecodeString(cfg.RootHash)
		if err != nil || len(raw) != objects.HashSize {
			return fmt.Errorf("invalid rootHash %q", cfg.RootHash)
		}
		copy(hash[:], raw)
	}
	mnt.InitRoot(hash, false)
	return nil
}

// runUnloadScanner periodically drives UnloadPolicy.Scan over every
// currently-resident directory inode as a background reclaim pass.
// Returns a stop function.
func runUnloadScanner(mnt *tree.Mount, policy *tree.UnloadPolicy) func() {
	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})

	go func() {
		c := mnt.NewCtx()
		for {
			select {
			case <-ticker.C:
				policy.Scan(c, mnt.LoadedDescendants())
			case <-done:
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
