// Package json wraps the jsoniter API the rest of the module encodes with.
// Envelopes, wire messages, and HTTP bodies all go through this one config
// so serialization stays stdlib-compatible everywhere.
package json

import jsoniter "github.com/json-iterator/go"

// JSON is the shared jsoniter instance.
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	Marshal    = JSON.Marshal
	Unmarshal  = JSON.Unmarshal
	NewDecoder = JSON.NewDecoder
	NewEncoder = JSON.NewEncoder
)
