package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/forkq/internal/protocol"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint returns the BLAKE3 hash of the handler registry in canonical
// JSON form. Workers echo it in their handshake ack so a coordinator can tell
// which registry a worker was started with.
func Fingerprint(handlers map[string]protocol.HandlerRef) (string, error) {
	if handlers == nil {
		handlers = map[string]protocol.HandlerRef{}
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(handlers)
	if err != nil {
		return "", fmt.Errorf("encode handler registry: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
