package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Notes:
// - Record files and manifests are map/struct shaped, which JSON handles portably.
// - Time values round-trip via RFC 3339, which is what the on-disk layout expects.
//
// If you need custom encoding (e.g. protobuf/msgpack), implement Codec and set
// it where supported.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the default codec used by the library.
//
// NOTE: This affects newly-created files. Existing persisted files that carry a
// codec name in their header are opened by selecting the codec by name.
var Default Codec = GoJSON{}
