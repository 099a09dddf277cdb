package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobchat/internal/config"
	"jobchat/internal/repository"

	"github.com/spf13/cobra"
)

const (
	archiveDB     = "jobchat.db"
	archiveConfig = "config.json"
	archiveSeed   = "participants.yaml"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of jobchat data (database, config, directory)",
		Long: `Creates a compressed .tar.gz archive with a consistent snapshot of the
SQLite database, the configuration file and the participant directory seed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("jobchat-backup-%s.tar.gz", ts))
			}

			tmp, err := os.MkdirTemp("", "jobchat-backup-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)

			// name in archive -> file on disk
			entries := map[string]string{archiveConfig: cfgPath}

			if cfg.Storage.Enabled {
				if _, err := os.Stat(cfg.Storage.DBPath); err == nil {
					repo, err := repository.Open(cfg.Storage.DBPath, logger)
					if err != nil {
						return err
					}
					snapshot := filepath.Join(tmp, archiveDB)
					err = repo.Backup(cmd.Context(), snapshot)
					repo.Close()
					if err != nil {
						return fmt.Errorf("snapshot database: %w", err)
					}
					entries[archiveDB] = snapshot
				}
			}

			if info, err := os.Stat(cfg.Directory.SeedFile); err == nil && !info.IsDir() {
				entries[archiveSeed] = cfg.Directory.SeedFile
			}

			if err := createTarGz(outputPath, entries); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(entries))
			for name, path := range entries {
				size := int64(0)
				if info, err := os.Stat(path); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", name, humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.jobchat/backups/jobchat-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore jobchat data from a backup archive",
		Long: `Restores the database, configuration file and participant directory from a
.tar.gz archive created by 'jobchat backup'. Stop 'jobchat serve' first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			targets := restoreTargets(cfgPath)

			if !force {
				for _, path := range targets {
					if _, err := os.Stat(path); err == nil {
						fmt.Printf("WARNING: This will overwrite existing data:\n")
						for name, p := range targets {
							fmt.Printf("  %-18s %s\n", name, p)
						}
						return errors.New("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(args[0], targets)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			// A stale WAL would be replayed over the restored snapshot.
			if db, ok := targets[archiveDB]; ok {
				for _, suffix := range []string{"-wal", "-shm"} {
					os.Remove(db + suffix)
				}
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// restoreTargets maps archive entries to destinations. Paths come from the
// current config when it loads, otherwise from the defaults beside cfgPath.
func restoreTargets(cfgPath string) map[string]string {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		dir := filepath.Dir(cfgPath)
		return map[string]string{
			archiveConfig: cfgPath,
			archiveDB:     filepath.Join(dir, archiveDB),
			archiveSeed:   filepath.Join(dir, archiveSeed),
		}
	}
	return map[string]string{
		archiveConfig: cfgPath,
		archiveDB:     cfg.Storage.DBPath,
		archiveSeed:   cfg.Directory.SeedFile,
	}
}

// createTarGz writes entries (archive name -> source path) to a .tar.gz.
func createTarGz(outputPath string, entries map[string]string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for name, path := range entries {
		if err := addFileToTar(tarWriter, name, path); err != nil {
			return fmt.Errorf("add %s: %w", path, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, name, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz restores the known entries of an archive to targets. Unknown
// entries are skipped.
func extractTarGz(archivePath string, targets map[string]string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		target, ok := targets[filepath.Base(header.Name)]
		if !ok || strings.Contains(header.Name, "..") {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}

		mode := os.FileMode(0o644)
		if filepath.Base(header.Name) == archiveConfig {
			mode = 0o600
		}
		outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		outFile.Close()

		restored = append(restored, target)
	}

	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
