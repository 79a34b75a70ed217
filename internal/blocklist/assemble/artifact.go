package assemble

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// writeArtifact stages the new artifact to a scratch file, rotates the
// backup generations, then renames the scratch file into place. Staging
// first means a failed write leaves the previous artifact and its backups
// untouched.
func (a *Assembler) writeArtifact(data []byte) error {
	dir := filepath.Dir(a.cfg.ArtifactPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(a.cfg.ArtifactPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create scratch artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write scratch artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close scratch artifact: %w", err)
	}

	if err := a.rotate(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, a.cfg.ArtifactPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("promote artifact: %w", err)
	}

	sum := sha256.Sum256(data)
	line := fmt.Sprintf("%s  %s\n", hex.EncodeToString(sum[:]), filepath.Base(a.cfg.ArtifactPath))
	if err := os.WriteFile(a.sidecarPath(), []byte(line), 0o644); err != nil {
		return fmt.Errorf("write checksum sidecar: %w", err)
	}
	return nil
}

// rotate shifts the backup generations FIFO: generation 3 is deleted,
// 2 moves to 3, 1 moves to 2, and the current artifact becomes generation 1.
// A missing current artifact (first run) is not an error.
func (a *Assembler) rotate() error {
	if _, err := os.Stat(a.cfg.ArtifactPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat artifact: %w", err)
	}
	if err := os.Remove(a.genPath(maxGenerations)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("drop oldest backup: %w", err)
	}
	for i := maxGenerations - 1; i >= 1; i-- {
		if err := os.Rename(a.genPath(i), a.genPath(i+1)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shift backup generation %d: %w", i, err)
		}
	}
	if err := os.Rename(a.cfg.ArtifactPath, a.genPath(1)); err != nil {
		return fmt.Errorf("retire current artifact: %w", err)
	}
	return nil
}

// verifyArtifact re-reads the written artifact and its sidecar from disk and
// checks both the checksum and the structural validity of the file. Returns
// the verified checksum hex.
func (a *Assembler) verifyArtifact() (string, error) {
	data, err := os.ReadFile(a.cfg.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("re-read artifact: %w", err)
	}
	side, err := os.ReadFile(a.sidecarPath())
	if err != nil {
		return "", fmt.Errorf("re-read checksum sidecar: %w", err)
	}
	want, _, _ := strings.Cut(strings.TrimSpace(string(side)), " ")
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return "", fmt.Errorf("%w: artifact %s, sidecar %s", ErrChecksumMismatch, got, want)
	}
	if err := validateArtifact(data); err != nil {
		return "", err
	}
	return got, nil
}

// validateArtifact enforces the final structural checks: a non-empty file
// with at least one rule line outside the header.
func validateArtifact(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("artifact is empty")
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		return nil
	}
	return fmt.Errorf("artifact contains no rule lines")
}

// readPrevCount recovers the rule count of the current artifact before it is
// rotated away, preferring the header's own count and falling back to
// counting body lines. The second return is false when no prior artifact
// exists.
func readPrevCount(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	lines := 0
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, "! Total rules: "); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				return n, true
			}
		}
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		lines++
	}
	return lines, true
}

func (a *Assembler) sidecarPath() string {
	return a.cfg.ArtifactPath + ".sha256"
}

func (a *Assembler) genPath(gen int) string {
	return fmt.Sprintf("%s.gen-%d", a.cfg.ArtifactPath, gen)
}
