// Package snap defines the snapshot metadata record and the artifact
// container framing `{metadata, agent_state}`.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package snap

import (
	"bytes"

	"github.com/NVIDIA/persist/cmn"
	jsoniter "github.com/json-iterator/go"
)

// Container is the document stored (after compression) as the artifact
// body. AgentState is the caller's payload, opaque beyond hashing.
type Container struct {
	Metadata   *Metadata
	AgentState []byte
}

// Marshal frames the container with `metadata` first and `agent_state`
// second. The document is composed by hand to pin the top-level key order:
// byte-identical inputs must produce byte-identical containers.
func (c *Container) Marshal() ([]byte, error) {
	if c.Metadata == nil {
		return nil, cmn.NewValidationf("container requires metadata")
	}
	if !jsonAPI.Valid(c.AgentState) {
		return nil, cmn.New(cmn.KindSerialization, "agent_state is not well-formed JSON")
	}
	mb, err := c.Metadata.Marshal()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(mb) + len(c.AgentState) + 32)
	buf.WriteString(`{"metadata":`)
	buf.Write(mb)
	buf.WriteString(`,"agent_state":`)
	buf.Write(c.AgentState)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseContainer rejects documents missing either top-level key or whose
// metadata carries an unrecognized format version.
func ParseContainer(b []byte) (*Container, error) {
	var doc struct {
		Metadata   jsoniter.RawMessage `json:"metadata"`
		AgentState jsoniter.RawMessage `json:"agent_state"`
	}
	if err := jsonAPI.Unmarshal(b, &doc); err != nil {
		return nil, cmn.Wrap(cmn.KindSerialization, "unmarshal container", err)
	}
	if len(doc.Metadata) == 0 {
		return nil, cmn.NewValidationf("container is missing the metadata key")
	}
	if len(doc.AgentState) == 0 {
		return nil, cmn.NewValidationf("container is missing the agent_state key")
	}
	m, err := ParseMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}
	if m.FormatVersion != cmn.FormatVersion {
		return nil, cmn.NewValidationf("unknown format_version %d (expecting %d)", m.FormatVersion, cmn.FormatVersion)
	}
	return &Container{Metadata: m, AgentState: doc.AgentState}, nil
}
