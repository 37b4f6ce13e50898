//go:build !linux

package main

import (
	"runtime"

	"github.com/rs/zerolog/log"
)

// EnforceIsolation is a no-op outside Linux.
func EnforceIsolation(devMode bool) error {
	if !devMode {
		log.Warn().Str("os", runtime.GOOS).Msg("Process isolation only supported on Linux")
	}
	return nil
}
