//go:build !unix

// Stub for platforms without unix-socket descriptor passing.

package worker

import (
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/kenkendk/ceenhttpd-sub003/api"
)

// Subprocess is unavailable on this platform.
type Subprocess struct{}

func NewSubprocess(cmd *exec.Cmd, path string, abstract bool, log zerolog.Logger) (*Subprocess, error) {
	return nil, api.ErrNotSupported
}

func ServeChild(path string, abstract bool, srv api.RequestServer, log zerolog.Logger) error {
	return api.ErrNotSupported
}
