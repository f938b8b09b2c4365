// Package rpcwire defines the coordinator's RPC surface by hand: message
// structs, a JSON codec, and grpc.ServiceDesc values. The payloads crossing
// this boundary are schemaless envelopes, so there is no generated code.
package rpcwire

import (
	"google.golang.org/grpc/encoding"

	"github.com/inos-labs/coordinator/pkg/json"
)

// Name is the codec name carried in the gRPC content-subtype.
const Name = "json"

// Codec marshals RPC messages as JSON.
type Codec struct{}

func init() {
	encoding.RegisterCodec(Codec{})
}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return Name
}
