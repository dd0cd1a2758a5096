// Package omx drives OMX-style codec nodes: asynchronous components that
// own a state machine (Loaded, Idle, Executing, Pause), two buffer ports
// and a message stream of command completions, buffer returns and events.
//
// A Codec wraps one node. It allocates buffers on both ports, pulls
// compressed (or raw, for encoders) units from a Source into input
// buffers, and hands filled output buffers to the client through Read.
// Every buffer has exactly one owner at a time (us, the node, the client or
// a native window) and every transition is checked.
//
// # Architecture
//
//	Source -> input port -> Node -> output port -> Read -> Buffer.Release/Render
//	                                     \-> NativeWindow (BufferQueue)
//
// Node messages are delivered on an arbitrary goroutine, queued in a
// mailbox and applied by one dispatcher goroutine under the codec lock.
// Start, Stop, Pause and Read block until the node reports the transition
// they wait for, bounded by Config.CommandTimeout and Config.OutputTimeout.
//
// # Node hosts
//
//   - SimHost runs an in-process node with randomized completion delays
//     and injectable faults. It registers OMX.sim.* components.
//   - NativeHost loads libomx_node with purego (CGO_ENABLED=0). Set
//     OMX_NODE_LIB_PATH to the library file or OMX_SDK_LIB_PATH to its
//     directory.
//
// # Sources
//
// MemorySource (tests), PatternSource (synthetic raw frames for
// encoders), WebMSource (ebml-go), RTPSource and TrackSource (pion),
// RTMPSource (go-rtmp).
//
// # Sinks
//
// A Pipeline pulls Read in a loop and hands each buffer to a Sink.
// RTPSink packetizes encoder output onto a pion track and WebMSink records
// VP8, VP9 or AV1 output with ebml-go.
//
// # Build Tags
//
//   - nonative: disable the purego node host
package omx
