// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// bytesTag is the single key of the object that carries raw bytes
// inside a JSON payload.
const bytesTag = "$bytes"

// Bytes is a raw byte field. It marshals as {"$bytes": "<base64>"} so
// the receiver can tell binary data apart from ordinary strings and
// restore it exactly.
type Bytes []byte

type taggedBytes struct {
	Data *string `json:"$bytes"`
}

// MarshalJSON encodes b as a tagged base64 object.
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	encoded := base64.StdEncoding.EncodeToString(b)
	return json.Marshal(taggedBytes{Data: &encoded})
}

// UnmarshalJSON decodes a tagged base64 object. A JSON null leaves b
// nil.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var tagged taggedBytes
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("bytes field: %w", err)
	}
	if tagged.Data == nil {
		return fmt.Errorf("bytes field: missing %q tag", bytesTag)
	}
	decoded, err := base64.StdEncoding.DecodeString(*tagged.Data)
	if err != nil {
		return fmt.Errorf("bytes field: %w", err)
	}
	*b = decoded
	return nil
}
