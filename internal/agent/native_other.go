//go:build !unix

package agent

import (
	"log/slog"
	"os"
)

func probeNative() error { return ErrNativeUnsupported }

// newNativeBridge is never reached on these platforms: probeNative fails first.
func newNativeBridge(log *slog.Logger) Bridge {
	return newThreadedBridge(log)
}

func softTerminate(p *os.Process) error { return p.Kill() }
