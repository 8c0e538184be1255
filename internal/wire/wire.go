// Package wire provides the gob-based marshal/unmarshal helpers shared by
// the engine (configuration entry payloads) and the file-backed storage
// in this repository. Grounded on the
// teacher's utils/pd package; wire encoding is out of the core kernel's
// scope (§6), but the example ports provided alongside it need some
// concrete codec, and gob is what the teacher already reaches for here.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Resettable is implemented by every raftpb wire type.
type Resettable interface {
	Reset()
}

// Marshal gob-encodes msg.
func Marshal(msg Resettable) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// MustMarshal gob-encodes msg, panicking on failure. Use only where
// encoding cannot plausibly fail (msg was itself decoded moments earlier,
// or is built entirely from in-process values).
func MustMarshal(msg Resettable) []byte {
	data, err := Marshal(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// Unmarshal gob-decodes data into msg.
func Unmarshal(msg Resettable, data []byte) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(msg); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}

// MustUnmarshal gob-decodes data into msg, panicking on failure.
func MustUnmarshal(msg Resettable, data []byte) {
	if err := Unmarshal(msg, data); err != nil {
		panic(err)
	}
}
