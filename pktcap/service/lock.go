package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

const lockFileName = "pktcap.pid"

// acquireLock acquires an exclusive flock on the PID file (non-blocking, fails fast).
// The lock is held while the service runs so two instances never share a device.
func (s *Service) acquireLock() error {
	path := filepath.Join(s.cfg.StateDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("another pktcap instance is running: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to truncate PID file: %w", err)
	} else if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write PID: %w", err)
	}

	s.lockFile = f
	return nil
}

// releaseLock releases the lock file and removes the PID file.
func (s *Service) releaseLock() {
	if s.lockFile != nil {
		_ = os.Remove(s.lockFile.Name())
		_ = s.lockFile.Close() // closing releases flock
		s.lockFile = nil
	}
}
