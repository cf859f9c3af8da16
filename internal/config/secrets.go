package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/banshee-data/motion.relay/internal/framecodec"
)

// Environment variables consulted when no key or IV file is configured.
const (
	KeyEnv = "MOTION_RELAY_KEY"
	IVEnv  = "MOTION_RELAY_IV"
)

var ErrNoKey = errors.New("no shared key configured")

// LoadKey reads the hex encoded shared key from key_file, or from
// MOTION_RELAY_KEY when no file is configured.
func (c *Config) LoadKey() (framecodec.Key, error) {
	var key framecodec.Key
	raw, source, err := readSecret(c.KeyFile, KeyEnv)
	if err != nil {
		return key, err
	}
	if raw == "" {
		return key, fmt.Errorf("%w: set key_file or %s", ErrNoKey, KeyEnv)
	}
	if err := decodeHex(raw, key[:]); err != nil {
		return key, fmt.Errorf("key from %s: %w", source, err)
	}
	return key, nil
}

// LoadIV returns the static IV from iv_file or MOTION_RELAY_IV, or nil when
// neither is set and every frame should get a fresh IV.
func (c *Config) LoadIV() (*framecodec.IV, error) {
	raw, source, err := readSecret(c.IVFile, IVEnv)
	if err != nil || raw == "" {
		return nil, err
	}
	var iv framecodec.IV
	if err := decodeHex(raw, iv[:]); err != nil {
		return nil, fmt.Errorf("iv from %s: %w", source, err)
	}
	return &iv, nil
}

func readSecret(path *string, env string) (value, source string, err error) {
	if path != nil && *path != "" {
		data, err := os.ReadFile(*path)
		if err != nil {
			return "", "", fmt.Errorf("failed to read secret: %w", err)
		}
		return strings.TrimSpace(string(data)), *path, nil
	}
	return strings.TrimSpace(os.Getenv(env)), env, nil
}

func decodeHex(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("not valid hex: %w", err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("want %d bytes, got %d", len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
