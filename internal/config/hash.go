package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// LockManifest pins the BLAKE3 hash of the config file so unintended edits
// are detected before the service acts on them.
type LockManifest struct {
	Version     int    `yaml:"version"`
	GeneratedAt string `yaml:"generated_at"`
	File        string `yaml:"file"`
	Hash        string `yaml:"hash"`
}

// LockPath returns the manifest path for a given config file.
func LockPath(configPath string) string {
	return configPath + ".lock"
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteLock computes the config file's hash and writes the lock manifest
// next to it.
func WriteLock(configPath string) (*LockManifest, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", configPath, err)
	}

	manifest := &LockManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		File:        filepath.Base(configPath),
		Hash:        hash,
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock manifest: %w", err)
	}

	// Restrictive permissions, the manifest holds the expected hash.
	if err := os.WriteFile(LockPath(configPath), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write lock manifest: %w", err)
	}

	return manifest, nil
}

// CheckLock verifies the config file against its lock manifest.
func CheckLock(configPath string) error {
	data, err := os.ReadFile(LockPath(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("lock manifest not found (run 'squire config lock')")
		}
		return fmt.Errorf("failed to read lock manifest: %w", err)
	}

	var manifest LockManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse lock manifest: %w", err)
	}

	if manifest.Version != 1 {
		return fmt.Errorf("unsupported lock manifest version: %d", manifest.Version)
	}

	if err := VerifyFileHash(configPath, manifest.Hash); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"If you edited this file intentionally, run: squire config lock", err)
	}

	return nil
}
