package wire

import (
	"encoding/json"
	"fmt"
)

// jsonCodec implements google.golang.org/grpc/encoding.Codec. The wire
// contract is internal to this system (panel and node are built from the
// same module), so there is no cross-toolchain interop requirement that
// would call for protoc-generated protobuf bindings; plain JSON keeps the
// message shapes above as ordinary, greppable Go structs while still
// running over the real gRPC transport (framing, HTTP/2 multiplexing,
// deadlines, TLS, status codes, streaming) untouched.
//
// Install it with grpc.ForceCodec (client) / grpc.ForceServerCodec (server)
// rather than registering it globally under the "proto" name, so it can
// never shadow a real protobuf codec used elsewhere in the process.
type jsonCodec struct{}

// Codec is the shared wire codec used by both the panel-side client and the
// node-side server.
var Codec = jsonCodec{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return "fleet-json" }
