package main

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/store"
)

const (
	sectionDB        = "db"
	sectionArtifacts = "artifacts"
	dbEntryName      = "clipforge.db"
)

var (
	backupFile       string
	restoreOverwrite bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write the store and artifacts to a tar.zst archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		n, size, err := runBackup(cfg.Store, backupFile)
		if err != nil {
			return err
		}
		fmt.Printf("Backup complete: %d files, %s\n", n, formatSize(size))
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the store and artifacts from a tar.zst archive",
	Long: `Restore a backup written by "clipforge backup". The gateway must be
stopped. Existing data is only replaced with --overwrite.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		n, err := runRestore(cfg.Store, backupFile, restoreOverwrite)
		if err != nil {
			return err
		}
		fmt.Printf("Restore complete: %d files\n", n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{backupCmd, restoreCmd} {
		c.Flags().StringVarP(&backupFile, "file", "f", "", "archive path (.tar.zst)")
		_ = c.MarkFlagRequired("file")
	}
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "replace existing data")
}

// runBackup snapshots the database with VACUUM INTO so a running gateway
// does not tear the copy, then archives it with the artifact tree.
func runBackup(cfg config.StoreConfig, outputPath string) (int, int64, error) {
	tmpDir, err := os.MkdirTemp("", "clipforge-backup-")
	if err != nil {
		return 0, 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, dbEntryName)
	if err := snapshotDB(cfg, snapshot); err != nil {
		return 0, 0, err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return 0, 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, 0, fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	count := 0
	if err := addFile(tw, snapshot, path.Join(sectionDB, dbEntryName)); err != nil {
		return 0, 0, err
	}
	count++

	if cfg.ArtifactDir != "" {
		n, err := addTree(tw, cfg.ArtifactDir, sectionArtifacts)
		if err != nil {
			return 0, 0, fmt.Errorf("archive artifacts: %w", err)
		}
		count += n
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return 0, 0, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, 0, fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, 0, fmt.Errorf("close file: %w", err)
	}

	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	return count, size, nil
}

func snapshotDB(cfg config.StoreConfig, dest string) error {
	if _, err := os.Stat(cfg.Path); err != nil {
		return fmt.Errorf("store %s: %w", cfg.Path, err)
	}
	db, err := store.New(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if _, err := db.DB().Exec(`VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// addTree archives regular files under root with prefix as the top-level
// directory. A missing root is an empty tree.
func addTree(tw *tar.Writer, root, prefix string) (int, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	count := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if err := addFile(tw, p, path.Join(prefix, filepath.ToSlash(rel))); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func runRestore(cfg config.StoreConfig, inputPath string, overwrite bool) (int, error) {
	if !overwrite {
		if _, err := os.Stat(cfg.Path); err == nil {
			return 0, fmt.Errorf("store %s already exists, add --overwrite to replace it", cfg.Path)
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		section, rel := splitBackupPath(hdr.Name)
		var dest string
		switch section {
		case sectionDB:
			if rel != dbEntryName {
				continue
			}
			dest = cfg.Path
		case sectionArtifacts:
			if cfg.ArtifactDir == "" {
				continue
			}
			dest = filepath.Join(cfg.ArtifactDir, filepath.FromSlash(rel))
		default:
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}

		if err := writeFile(dest, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
			return restored, fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
		restored++
	}
	return restored, nil
}

func writeFile(dest string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// splitBackupPath splits "artifacts/wf-1/video.mp4" into ("artifacts",
// "wf-1/video.mp4"). Unknown sections and paths escaping the section yield
// an empty section.
func splitBackupPath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}
	section, rel = name[:idx], path.Clean(name[idx+1:])
	if section != sectionDB && section != sectionArtifacts {
		return "", ""
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", ""
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
