// Package common contains helpers shared by the diode test runner packages.
package common

import (
	"fmt"
	"os"
	"syscall"
)

// Mkdir creates a directory iff it does not exist, and otherwise
// ensures that the filesystem permissions are sufficiently restrictive.
func Mkdir(d string) error {
	const permDir = os.FileMode(0o700)

	fi, err := os.Lstat(d)
	if err != nil {
		if os.IsNotExist(err) {
			if err = os.MkdirAll(d, permDir); err == nil {
				return nil
			}
		}
		return err
	}

	fm := fi.Mode()
	if !fm.IsDir() {
		return fmt.Errorf("common/Mkdir: path '%s' is not a directory", d)
	}
	if fm.Perm() != permDir {
		return fmt.Errorf("common/Mkdir: path '%s' has invalid permissions: %v, expected: %v", d, fm.Perm(), permDir)
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		if euid := os.Geteuid(); euid != int(st.Uid) {
			return fmt.Errorf("common/Mkdir: path '%s' has invalid owner: %d, expected: %d", d, st.Uid, euid)
		}
	}

	return nil
}
