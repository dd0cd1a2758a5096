package omx

import "strings"

// Quirks is a fixed set of protocol deviations of a codec component. The set
// is resolved once when a Codec is created and never re-derived from names.
type Quirks uint32

const (
	// NeedsFlushBeforeDisable flushes the output port before disabling it
	// for reconfiguration.
	NeedsFlushBeforeDisable Quirks = 1 << iota

	// RequiresFlushCompleteEmulation marks components that never report a
	// flush completion for a port whose buffers are all held locally.
	RequiresFlushCompleteEmulation

	// RequiresLoadedToIdleAfterAllocation sends the idle command only after
	// every buffer has been registered.
	RequiresLoadedToIdleAfterAllocation

	RequiresAllocateBufferOnInputPorts
	RequiresAllocateBufferOnOutputPorts

	// RequiresFlushBeforeShutdown flushes both ports before leaving Executing.
	RequiresFlushBeforeShutdown

	// DefersOutputBufferAllocation means output buffer memory is only known
	// after the first fill completes.
	DefersOutputBufferAllocation

	DoesNotRequireMemcpyOnOutputPort

	// OutputBuffersAreUnreadable marks output memory as opaque to clients.
	OutputBuffersAreUnreadable

	// AvoidMemcopyInputRecordingFrames hands source memory to the node
	// instead of copying it.
	AvoidMemcopyInputRecordingFrames

	StoreMetaDataInInputVideoBuffers
	SupportsMultipleFramesPerInputBuffer

	// WantsNALFragments suppresses the Annex-B start code on AVC config data.
	WantsNALFragments

	// SingleInFlightInputBuffer keeps at most one input buffer at the node.
	SingleInFlightInputBuffer

	// SupportsPauseState means the node acknowledges a distinct paused state.
	SupportsPauseState

	InputBufferSizesAreBogus

	quirkCount = iota
)

var quirkNames = [quirkCount]string{
	"NeedsFlushBeforeDisable",
	"RequiresFlushCompleteEmulation",
	"RequiresLoadedToIdleAfterAllocation",
	"RequiresAllocateBufferOnInputPorts",
	"RequiresAllocateBufferOnOutputPorts",
	"RequiresFlushBeforeShutdown",
	"DefersOutputBufferAllocation",
	"DoesNotRequireMemcpyOnOutputPort",
	"OutputBuffersAreUnreadable",
	"AvoidMemcopyInputRecordingFrames",
	"StoreMetaDataInInputVideoBuffers",
	"SupportsMultipleFramesPerInputBuffer",
	"WantsNALFragments",
	"SingleInFlightInputBuffer",
	"SupportsPauseState",
	"InputBufferSizesAreBogus",
}

// Has returns true if every bit of q is set.
func (qs Quirks) Has(q Quirks) bool {
	return qs&q == q
}

func (qs Quirks) String() string {
	if qs == 0 {
		return "none"
	}
	var names []string
	for i := 0; i < quirkCount; i++ {
		if qs&(1<<i) != 0 {
			names = append(names, quirkNames[i])
		}
	}
	return strings.Join(names, "|")
}
