package config

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
)

// Resolved config file locations. Each honors its env override so the
// fingerprint always covers the files the loaders actually read.
func signalsPath(baseDir string) string {
	if p := os.Getenv("KEEL_SIGNALS_PATH"); p != "" {
		return p
	}
	return filepath.Join(baseDir, "config", "governance_signals.yaml")
}

func weightsPath(baseDir string) string {
	if p := os.Getenv("KEEL_WEIGHTS_PATH"); p != "" {
		return p
	}
	return filepath.Join(baseDir, "config", "trust_weights.yaml")
}

func roleShapesPath(baseDir string) string {
	if p := os.Getenv("KEEL_ROLE_SHAPES_PATH"); p != "" {
		return p
	}
	return filepath.Join(baseDir, "config", "role_shapes.json")
}

// trackedFile binds a stable hash label to the path the content is actually
// read from, env overrides included. The label stays the canonical config
// name so fingerprints compare across deployments.
type trackedFile struct {
	label, path string
}

// trackedFiles are the configuration inputs whose content is bound into every
// ledger entry. Directive markdown files under config/directives are tracked
// as well so that prompt edits show up in the fingerprint.
func trackedFiles(baseDir string) []trackedFile {
	files := []trackedFile{
		{filepath.Join("config", "governance_signals.yaml"), signalsPath(baseDir)},
		{filepath.Join("config", "trust_weights.yaml"), weightsPath(baseDir)},
		{filepath.Join("config", "role_shapes.json"), roleShapesPath(baseDir)},
	}

	dirDir := filepath.Join(baseDir, "config", "directives")
	entries, err := os.ReadDir(dirDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
				continue
			}
			rel := filepath.Join("config", "directives", e.Name())
			files = append(files, trackedFile{rel, filepath.Join(baseDir, rel)})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].label < files[j].label })
	return files
}

// Fingerprint computes "sha256:" + the hex digest over every tracked config
// file, in sorted label order. A missing file contributes a deterministic
// "[MISSING: label]" marker instead of failing, so the absence itself is part
// of the recorded state.
func Fingerprint(baseDir string) (string, error) {
	h := sha256.New()
	for _, f := range trackedFiles(baseDir) {
		h.Write([]byte(f.label))
		h.Write([]byte{0})
		content, err := os.ReadFile(f.path)
		if err != nil {
			content = []byte("[MISSING: " + f.label + "]")
		}
		h.Write(content)
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
