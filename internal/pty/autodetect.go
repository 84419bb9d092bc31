package pty

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// fallbackPrograms are tried in order when no program is configured.
var fallbackPrograms = []string{"/bin/bash", "/bin/zsh", "/bin/sh"}

// DetectShell picks the program for a session started without one. A
// non-empty preferred name is resolved through PATH first; the environment
// is never consulted otherwise.
func DetectShell(preferred string) (string, error) {
	checked := make([]string, 0, len(fallbackPrograms)+1)
	if preferred != "" {
		checked = append(checked, preferred)
		if path, err := exec.LookPath(preferred); err == nil && runnable(path) {
			return path, nil
		}
	}
	for _, path := range fallbackPrograms {
		checked = append(checked, path)
		if runnable(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no program to run: tried %s", strings.Join(checked, ", "))
}

// runnable reports whether path is a regular file with an execute bit set.
func runnable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
