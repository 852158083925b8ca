// Command sevenzfs mounts a single 7z archive read-only at a given
// mountpoint and blocks until interrupted, unmounting cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gofusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/cariboulabs/sevenz/pkg/sevenz"
	"github.com/cariboulabs/sevenz/pkg/sevenzfs"
	"github.com/cariboulabs/sevenz/pkg/source"
)

func main() {
	sessionID := uuid.New().String()[:8]
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Str("session", sessionID).Logger()

	var (
		archivePath = flag.String("archive", "", "path to the .7z archive (required)")
		mountpoint  = flag.String("mountpoint", "", "directory to mount the archive at (required)")
		password    = flag.String("password", "", "decryption password, if the archive is encrypted")
		verbose     = flag.Bool("verbose", false, "verbose logging")
	)
	flag.Parse()

	if *archivePath == "" || *mountpoint == "" {
		fmt.Fprintln(os.Stderr, "Error: -archive and -mountpoint are required")
		flag.Usage()
		os.Exit(1)
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := os.MkdirAll(*mountpoint, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create mountpoint")
	}

	var mountpointStat unix.Stat_t
	if err := unix.Stat(*mountpoint, &mountpointStat); err != nil {
		log.Fatal().Err(err).Msg("failed to stat mountpoint")
	}
	if mountpointStat.Mode&unix.S_IFMT != unix.S_IFDIR {
		log.Fatal().Str("mountpoint", *mountpoint).Msg("mountpoint is not a directory")
	}

	src, err := source.OpenLocal(*archivePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive")
	}
	defer src.Close()

	reader, _, err := source.Open(src, sevenz.OpenOptions{Password: *password})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse archive")
	}

	absArchive, err := filepath.Abs(*archivePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve archive path")
	}

	sevenzFS, err := sevenzfs.NewFileSystem(reader, sevenzfs.Opts{LockPath: absArchive + ".lock"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build filesystem")
	}
	defer sevenzFS.Close()

	root, err := sevenzFS.Root()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build root inode")
	}

	server, err := gofusefs.Mount(*mountpoint, root, &gofusefs.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mount")
	}
	log.Info().Str("archive", *archivePath).Str("mountpoint", *mountpoint).Msg("mounted")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("signal received, unmounting")
		if err := server.Unmount(); err != nil {
			log.Error().Err(err).Msg("unmount failed")
		}
	}()

	server.Wait()
	log.Info().Msg("unmounted")
}
