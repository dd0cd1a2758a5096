//go:build !(darwin || linux) || nonative

package omx

import (
	"fmt"

	"go.uber.org/zap"
)

// NativeHost is unavailable in this build.
type NativeHost struct{}

// IsNativeNodeAvailable always reports false in this build.
func IsNativeNodeAvailable() bool { return false }

// NewNativeHost returns ErrNotSupported in this build.
func NewNativeHost(_ *zap.Logger) (*NativeHost, error) {
	return nil, fmt.Errorf("%w: native nodes not built", ErrNotSupported)
}

func (h *NativeHost) Name() string            { return "native" }
func (h *NativeHost) LivesLocally() bool      { return true }
func (h *NativeHost) RegisterComponents() int { return 0 }

func (h *NativeHost) AllocateNode(string, NodeObserver) (Node, error) {
	return nil, fmt.Errorf("%w: native nodes not built", ErrNotSupported)
}
