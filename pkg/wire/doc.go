// Package wire encodes the resource requests the job engine sends to devices
// and the responses devices send back.
//
// Messages are CBOR maps with integer keys:
//
//	request  {1: op, 2: resource type, 3: params, 4: handles, 5: control}
//	response {1: handle, 2: connection label, 3: function id}
//
// Create requests carry the descriptor parameters with every referenced
// descriptor already resolved to its device handle.
package wire
