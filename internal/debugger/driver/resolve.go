package driver

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ResolveBinary finds the debugger executable by trying, in order: an
// explicit path, an environment variable, PATH, then a platform-specific
// list of well-known install directories, each searched for the default
// binary names. Returns the first candidate that exists and is not a
// directory; only the PATH lookup also requires it to be executable.
func ResolveBinary(explicitPath, envVar string, installLocations []string) (string, error) {
	if explicitPath != "" {
		if st, err := os.Stat(explicitPath); err == nil && !st.IsDir() {
			return explicitPath, nil
		}
		return "", fmt.Errorf("configured debugger binary path %q is not a file", explicitPath)
	}

	if envVar != "" {
		if p := os.Getenv(envVar); p != "" {
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, nil
			}
		}
	}

	for _, candidate := range defaultBinaryNames() {
		if p, err := exec.LookPath(candidate); err == nil {
			return p, nil
		}
	}

	for _, dir := range installLocations {
		for _, name := range defaultBinaryNames() {
			p := filepath.Join(dir, name)
			if st, err := os.Stat(p); err == nil && !st.IsDir() {
				return p, nil
			}
		}
	}

	return "", fmt.Errorf("debugger binary not found: tried PATH and %d install locations", len(installLocations))
}
