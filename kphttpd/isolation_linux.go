//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// EnforceIsolation hardens the process so client keys and the DEK stay
// out of core dumps and swap. Only the core dump limit is mandatory.
func EnforceIsolation(devMode bool) error {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, isolation not enforced")
		return nil
	}

	if os.Geteuid() == 0 {
		log.Warn().Msg("SECURITY WARNING: Running as root is not recommended")
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	} else {
		log.Info().Msg("Set no_new_privs flag")
	}

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("failed to disable core dumps: %w", err)
	}
	// Also mark the process non-dumpable so ptrace attach is refused.
	if err := unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to clear dumpable flag")
	}
	log.Info().Msg("Disabled core dumps")

	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		// Usually RLIMIT_MEMLOCK; keep running.
		log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
	} else {
		log.Info().Msg("Memory locked (mlockall)")
	}
	return nil
}
