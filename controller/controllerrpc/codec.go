// Package controllerrpc exposes controller.Registry over grpc. Request and
// response messages are plain controllerpb structs rather than
// protobuf-generated types (protoc isn't available in this build), so the
// package registers a JSON grpc.Codec and hand-writes the service
// descriptor the normal protoc-gen-go-grpc step would otherwise produce.
// grpc itself remains the real transport: framing, multiplexing, and
// deadlines all go through google.golang.org/grpc as usual.
package controllerrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
