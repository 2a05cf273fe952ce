package cbsync

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// MetadataFilename is the canonical name of the metadata document inside
// a comic archive.
const MetadataFilename = "ComicInfo.xml"

const scratchPrefix = "inject-"

// Rewriter injects metadata documents into comic archives. Every
// injection works on a freshly repacked copy and swaps it in over the
// original only after the copy is verified, so a failure at any step
// leaves the original archive byte-identical.
type Rewriter struct {
	scratchRoot string
	log         zerolog.Logger
}

// NewRewriter builds a rewriter that stages its work under scratchRoot.
// An empty scratchRoot falls back to the system temp directory.
func NewRewriter(scratchRoot string, log zerolog.Logger) *Rewriter {
	if scratchRoot == "" {
		scratchRoot = os.TempDir()
	}
	return &Rewriter{
		scratchRoot: scratchRoot,
		log:         log.With().Str("component", "rewriter").Logger(),
	}
}

// Inject replaces (or adds) the ComicInfo.xml inside the archive at
// archivePath with doc. Only zip-based containers (.cbz, .zip) are
// supported. The sequence is extract, replace, repack to a sibling
// file, verify, then a backup-rename swap:
//
//	orig -> orig.backup
//	new  -> orig
//	remove orig.backup
//
// If the swap dies between the two renames, a .backup file remains next
// to the archive for manual recovery. Any earlier failure leaves the
// original untouched.
func (r *Rewriter) Inject(ctx context.Context, archivePath string, volumeID int, doc []byte) error {
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".cbz", ".zip":
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedArchive, filepath.Ext(archivePath))
	}

	if _, err := os.Stat(archivePath); err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	scratch := filepath.Join(r.scratchRoot,
		fmt.Sprintf("%s%d-%d", scratchPrefix, volumeID, time.Now().UnixNano()))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := extractZip(archivePath, scratch); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Drop any existing metadata document, wherever the packer put it.
	if err := removeMetadataFiles(scratch); err != nil {
		return fmt.Errorf("remove old metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(scratch, MetadataFilename), doc, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	newPath := archivePath + ".new"
	if err := packZip(scratch, newPath); err != nil {
		os.Remove(newPath)
		return fmt.Errorf("repack %s: %w", filepath.Base(archivePath), err)
	}

	info, err := os.Stat(newPath)
	if err != nil || info.Size() == 0 {
		os.Remove(newPath)
		return fmt.Errorf("verify repacked archive: %w", errOrEmpty(err))
	}

	backupPath := archivePath + ".backup"
	if err := os.Rename(archivePath, backupPath); err != nil {
		os.Remove(newPath)
		return fmt.Errorf("move original aside: %w", err)
	}
	if err := os.Rename(newPath, archivePath); err != nil {
		// Original survives as .backup; leave it for recovery.
		r.log.Error().Err(err).Str("backup", backupPath).Msg("swap failed, backup retained")
		return fmt.Errorf("swap in new archive: %w", err)
	}
	if err := os.Remove(backupPath); err != nil {
		r.log.Warn().Err(err).Str("backup", backupPath).Msg("backup not removed")
	}

	r.log.Debug().Str("archive", archivePath).Int("volume_id", volumeID).Msg("metadata injected")
	return nil
}

func errOrEmpty(err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("archive is empty")
}

// SweepScratch removes leftover scratch directories older than the given
// age and reports how many were removed. Leftovers only exist after a
// crash mid-injection.
func (r *Rewriter) SweepScratch(olderThan time.Duration) int {
	entries, err := os.ReadDir(r.scratchRoot)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(r.scratchRoot, e.Name())); err != nil {
			r.log.Warn().Err(err).Str("dir", e.Name()).Msg("sweep scratch dir")
			continue
		}
		removed++
	}
	if removed > 0 {
		r.log.Info().Int("removed", removed).Msg("swept stale scratch dirs")
	}
	return removed
}

func extractZip(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedArchive, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("entry escapes archive root: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", f.Name, err)
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	return nil
}

func packZip(srcDir, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	zw := zip.NewWriter(out)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("add entry %s: %w", rel, err)
		}
		in, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer in.Close()
		if _, err := io.Copy(w, in); err != nil {
			return fmt.Errorf("write entry %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	return out.Close()
}

func removeMetadataFiles(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if strings.EqualFold(filepath.Base(path), MetadataFilename) {
			return os.Remove(path)
		}
		return nil
	})
}
