package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix
// leaves room for algorithm migration.
const (
	DomainRun    = "careflow/run/v1"
	DomainParams = "careflow/params/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data). The separator
// keeps domain and data from running into each other.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RunEntryID computes the content-addressed id of a run entry from its
// time, type and resources. The entry's own ID field is ignored.
func RunEntryID(e RunEntry) (string, error) {
	obj := map[string]any{
		"time":      e.Time.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		"type":      e.Type,
		"resources": e.Resources,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RunEntryID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRun, canonical), nil
}

// ParamsHash identifies one action's parameter definition, so a parsed
// parameter template can be reused across events.
func ParamsHash(actionID string, params map[string]any) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{"id": actionID, "params": params})
	if err != nil {
		return "", fmt.Errorf("ParamsHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainParams, canonical), nil
}
