// Side-channel telemetry events
// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gpucmdstream

import (
	legacyproto "github.com/golang/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeCmdStreamEvent builds a CmdStreamEvent describing one doorbell
// pass and marshals it to wire bytes for a host-side telemetry
// collector. The telemetry collector itself is out of scope; this
// package only produces the event, never consumes it —
// emission runs through Executor.EmitTelemetry, a host callback
// invoked synchronously with no bearing on guest-observable state.
func EncodeCmdStreamEvent(fenceCount int, malformedTotal int) ([]byte, error) {
	event, err := structpb.NewStruct(map[string]interface{}{
		"event":           "gpu.doorbell",
		"fence_count":     float64(fenceCount),
		"malformed_total": float64(malformedTotal),
	})
	if err != nil {
		return nil, err
	}
	return legacyproto.Marshal(event)
}
