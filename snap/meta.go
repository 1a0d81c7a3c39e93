// Package snap defines the snapshot metadata record and the artifact
// container framing `{metadata, agent_state}`.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package snap

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/NVIDIA/persist/cmn"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata describes one stored artifact. It is fully populated by the
// engine before any bytes reach a backend and is immutable afterwards.
type Metadata struct {
	AgentID              string    `json:"agent_id"`
	SessionID            string    `json:"session_id"`
	SnapshotIndex        int64     `json:"snapshot_index"`
	Timestamp            time.Time `json:"timestamp"`
	ContentHash          string    `json:"content_hash"`
	FormatVersion        int       `json:"format_version"`
	SnapshotID           string    `json:"snapshot_id"`
	Description          string    `json:"description,omitempty"`
	UncompressedSize     int64     `json:"uncompressed_size,omitempty"`
	CompressedSize       int64     `json:"compressed_size,omitempty"`
	CompressionAlgorithm string    `json:"compression_algorithm"`
}

// NewMetadata assigns identity and provenance: a fresh snapshot_id, the
// creation timestamp, the current format version, and gzip as the default
// algorithm. Identifier strings must be non-empty.
func NewMetadata(agentID, sessionID string, snapshotIndex int64) (*Metadata, error) {
	if agentID == "" {
		return nil, cmn.NewValidationf("agent_id must not be empty")
	}
	if sessionID == "" {
		return nil, cmn.NewValidationf("session_id must not be empty")
	}
	if snapshotIndex < 0 {
		return nil, cmn.NewValidationf("snapshot_index must not be negative, got %d", snapshotIndex)
	}
	return &Metadata{
		AgentID:              agentID,
		SessionID:            sessionID,
		SnapshotIndex:        snapshotIndex,
		Timestamp:            time.Now().UTC(),
		FormatVersion:        cmn.FormatVersion,
		SnapshotID:           uuid.NewString(),
		CompressionAlgorithm: cmn.CompressGzip,
	}, nil
}

// HashOf returns the lowercase-hex SHA-256 of b.
func HashOf(b []byte) string {
	digest := sha256.Sum256(b)
	return hex.EncodeToString(digest[:])
}

// WithHash records the SHA-256 of the agent-state payload.
func (m *Metadata) WithHash(payload []byte) *Metadata {
	m.ContentHash = HashOf(payload)
	return m
}

func (m *Metadata) Validate() error {
	if m.AgentID == "" {
		return cmn.NewValidationf("agent_id must not be empty")
	}
	if m.SessionID == "" {
		return cmn.NewValidationf("session_id must not be empty")
	}
	if m.SnapshotIndex < 0 {
		return cmn.NewValidationf("snapshot_index must not be negative, got %d", m.SnapshotIndex)
	}
	if m.FormatVersion != cmn.FormatVersion {
		return cmn.NewValidationf("unknown format_version %d (expecting %d)", m.FormatVersion, cmn.FormatVersion)
	}
	if m.CompressionAlgorithm != cmn.CompressGzip && m.CompressionAlgorithm != cmn.CompressNone {
		return cmn.NewValidationf("unknown compression_algorithm %q", m.CompressionAlgorithm)
	}
	if m.SnapshotID == "" {
		return cmn.NewValidationf("snapshot_id must not be empty")
	}
	if !isHexDigest(m.ContentHash) {
		return cmn.NewValidationf("malformed content_hash %q", m.ContentHash)
	}
	return nil
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (m *Metadata) Marshal() ([]byte, error) {
	b, err := jsonAPI.Marshal(m)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindSerialization, "marshal metadata", err)
	}
	return b, nil
}

func ParseMetadata(b []byte) (*Metadata, error) {
	var m Metadata
	if err := jsonAPI.Unmarshal(b, &m); err != nil {
		return nil, cmn.Wrap(cmn.KindSerialization, "unmarshal metadata", err)
	}
	return &m, nil
}
