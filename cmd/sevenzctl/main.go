package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cariboulabs/sevenz/pkg/metrics"
	"github.com/cariboulabs/sevenz/pkg/sevenz"
	"github.com/cariboulabs/sevenz/pkg/sevenzfs"
	"github.com/cariboulabs/sevenz/pkg/source"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "list":
		listCommand()
	case "extract":
		extractCommand()
	case "mount":
		mountCommand()
	case "umount":
		umountCommand()
	case "metrics":
		metricsCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `sevenzctl - 7z archive inspection tool

Usage:
  sevenzctl <command> [options]

Commands:
  list      List the files in an archive
  extract   Extract one or all files from an archive
  mount     Mount an archive read-only via FUSE
  umount    Unmount a previously mounted archive
  metrics   Show extraction metrics for the current process

Examples:
  sevenzctl list --archive backup.7z
  sevenzctl extract --archive backup.7z --out ./out
  sevenzctl mount --archive backup.7z --mountpoint /mnt/backup
  sevenzctl umount --mountpoint /mnt/backup
`)
}

func openArchive(archivePath, password string) (*sevenz.Reader, []sevenz.FileEntry) {
	src, err := source.OpenLocal(archivePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive")
	}

	// The CLI's own `metrics` subcommand reports one summary across every
	// archive opened in this process run, so it explicitly opts every
	// Reader into the shared global instance instead of each one getting
	// its own private default (spec.md §5 — that opt-in stays at this
	// boundary, never inside the sevenz core itself).
	reader, files, err := source.Open(src, sevenz.OpenOptions{Password: password, Metrics: metrics.Global()})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse archive")
	}
	return reader, files
}

func listCommand() {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	var (
		archivePath = fset.String("archive", "", "path to the .7z archive (required)")
		password    = fset.String("password", "", "decryption password, if the archive is encrypted")
		verbose     = fset.Bool("verbose", false, "verbose logging")
	)
	fset.Parse(os.Args[2:])

	if *archivePath == "" {
		fmt.Fprint(os.Stderr, "Error: --archive is required\n\n")
		fset.Usage()
		os.Exit(1)
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	_, files := openArchive(*archivePath, *password)
	for _, f := range files {
		kind := "-"
		if f.IsDir {
			kind = "d"
		}
		fmt.Printf("%s %10d %s\n", kind, f.Size, f.Name)
	}
}

func extractCommand() {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		archivePath = fset.String("archive", "", "path to the .7z archive (required)")
		outDir      = fset.String("out", ".", "destination directory")
		only        = fset.String("file", "", "extract only this file (default: extract all)")
		password    = fset.String("password", "", "decryption password, if the archive is encrypted")
		verbose     = fset.Bool("verbose", false, "verbose logging")
	)
	fset.Parse(os.Args[2:])

	if *archivePath == "" {
		fmt.Fprint(os.Stderr, "Error: --archive is required\n\n")
		fset.Usage()
		os.Exit(1)
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	reader, files := openArchive(*archivePath, *password)

	extracted, failed := 0, 0
	for i, f := range files {
		if *only != "" && f.Name != *only {
			continue
		}
		if f.IsDir {
			continue
		}

		content, err := reader.Extract(i)
		if err != nil {
			log.Error().Err(err).Str("file", f.Name).Msg("extraction failed, continuing")
			failed++
			if content == nil {
				continue
			}
		}

		destPath := filepath.Join(*outDir, f.Name)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			log.Error().Err(err).Str("file", f.Name).Msg("failed to create destination directory")
			continue
		}
		if err := os.WriteFile(destPath, content, 0o644); err != nil {
			log.Error().Err(err).Str("file", f.Name).Msg("failed to write extracted file")
			continue
		}
		extracted++
	}

	log.Info().Int("extracted", extracted).Int("failed", failed).Msg("extraction complete")
	metrics.Global().Snapshot().PrintSummary()
}

func mountCommand() {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	var (
		archivePath = fset.String("archive", "", "path to the .7z archive (required)")
		mountpoint  = fset.String("mountpoint", "", "directory to mount the archive at (required)")
		password    = fset.String("password", "", "decryption password, if the archive is encrypted")
		verbose     = fset.Bool("verbose", false, "verbose logging")
	)
	fset.Parse(os.Args[2:])

	if *archivePath == "" || *mountpoint == "" {
		fmt.Fprint(os.Stderr, "Error: --archive and --mountpoint are required\n\n")
		fset.Usage()
		os.Exit(1)
	}
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	reader, _ := openArchive(*archivePath, *password)

	absArchive, err := filepath.Abs(*archivePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve archive path")
	}

	sevenzFS, err := sevenzfs.NewFileSystem(reader, sevenzfs.Opts{LockPath: absArchive + ".lock"})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build filesystem")
	}
	defer sevenzFS.Close()

	server, err := fs.Mount(*mountpoint, mustRoot(sevenzFS), &fs.Options{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mount")
	}

	log.Info().Str("mountpoint", *mountpoint).Msg("archive mounted, press Ctrl+C to unmount")
	server.Wait()
}

func mustRoot(sevenzFS *sevenzfs.FileSystem) fs.InodeEmbedder {
	root, err := sevenzFS.Root()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build root inode")
	}
	return root
}

func umountCommand() {
	fset := flag.NewFlagSet("umount", flag.ExitOnError)
	mountpoint := fset.String("mountpoint", "", "mounted directory to unmount (required)")
	fset.Parse(os.Args[2:])

	if *mountpoint == "" {
		fmt.Fprint(os.Stderr, "Error: --mountpoint is required\n\n")
		fset.Usage()
		os.Exit(1)
	}

	if err := syscall.Unmount(*mountpoint, 0); err != nil {
		log.Fatal().Err(err).Str("mountpoint", *mountpoint).Msg("unmount failed")
	}
	log.Info().Str("mountpoint", *mountpoint).Msg("unmounted")
}

func metricsCommand() {
	metrics.Global().Snapshot().PrintSummary()
}
