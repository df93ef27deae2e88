// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
)

// FindBinary resolves an external tool (ffmpeg, ffprobe, rsync) to an
// executable path. An env var override wins, then a copy next to the
// working directory, then PATH.
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if override := os.Getenv(envVar); override != "" && isExecutable(override) {
			return override, nil
		}
	}
	if local := "./" + name; isExecutable(local) {
		return local, nil
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
