package main

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/store"
)

const (
	archiveDBName       = "hive.db"
	archiveManifestName = "manifest.json"
)

type manifest struct {
	Version   string    `json:"version"`
	SwarmID   string    `json:"swarm_id"`
	CreatedAt time.Time `json:"created_at"`
}

func runBackup(args []string) error {
	var outputPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hive backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "hive-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, archiveDBName)
	if err := snapshotStore(context.Background(), cfg.Store, snapshot); err != nil {
		return err
	}

	m := manifest{Version: version, SwarmID: cfg.Swarm.ID, CreatedAt: time.Now().UTC()}
	if err := writeArchive(outputPath, snapshot, m); err != nil {
		return err
	}

	info, _ := os.Stat(outputPath)
	size := int64(0)
	if info != nil {
		size = info.Size()
	}
	fmt.Printf("Backup complete: swarm %s, %s\n", m.SwarmID, formatSize(size))
	return nil
}

// snapshotStore writes a consistent copy of the live database to dst. VACUUM
// INTO is safe while the WAL is in use, unlike copying the file.
func snapshotStore(ctx context.Context, cfg config.StoreConfig, dst string) error {
	db, err := store.New(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if _, err := db.DB().ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	return nil
}

func writeArchive(outputPath, dbPath string, m manifest) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	meta, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeEntry(tw, archiveManifestName, int64(len(meta)), m.CreatedAt, bytes.NewReader(meta)); err != nil {
		return err
	}

	db, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()
	info, err := db.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	slog.Info("archiving store", "size", formatSize(info.Size()))
	if err := writeEntry(tw, archiveDBName, info.Size(), m.CreatedAt, db); err != nil {
		return err
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, size int64, modTime time.Time, r io.Reader) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    size,
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	var inputPath string
	overwrite := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			inputPath = args[i]
		case "-overwrite":
			overwrite = true
		}
	}

	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: hive restore -f <backup.tar.zst> [-overwrite]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m, err := restoreArchive(inputPath, cfg.Store.Path, overwrite)
	if err != nil {
		return err
	}
	if m.SwarmID != "" && m.SwarmID != cfg.Swarm.ID {
		slog.Warn("restored snapshot belongs to another swarm", "snapshot", m.SwarmID, "configured", cfg.Swarm.ID)
	}
	fmt.Printf("Restore complete: swarm %s from %s\n", m.SwarmID, m.CreatedAt.Format(time.RFC3339))
	return nil
}

// restoreArchive extracts the database to dbPath. The file is staged next to
// the target and renamed into place, so a failed restore leaves the old
// store untouched.
func restoreArchive(inputPath, dbPath string, overwrite bool) (manifest, error) {
	var m manifest

	if _, err := os.Stat(dbPath); err == nil && !overwrite {
		return m, fmt.Errorf("store %s already exists, add -overwrite to replace it", dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return m, fmt.Errorf("create store dir: %w", err)
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return m, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return m, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	staged := dbPath + ".restore"
	defer os.Remove(staged)

	foundDB := false
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return m, fmt.Errorf("read tar entry: %w", err)
		}

		switch filepath.Clean(hdr.Name) {
		case archiveManifestName:
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return m, fmt.Errorf("decode manifest: %w", err)
			}
		case archiveDBName:
			if err := writeFile(staged, tr); err != nil {
				return m, err
			}
			foundDB = true
		default:
			slog.Warn("skipping unknown archive entry", "name", hdr.Name)
		}
	}
	if !foundDB {
		return m, fmt.Errorf("archive contains no %s", archiveDBName)
	}

	// Stale WAL files would be replayed over the restored database
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return m, fmt.Errorf("remove %s: %w", suffix, err)
		}
	}
	if err := os.Rename(staged, dbPath); err != nil {
		return m, fmt.Errorf("move restored store into place: %w", err)
	}
	return m, nil
}

func writeFile(path string, r io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

func formatSize(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
