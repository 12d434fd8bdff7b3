package debugger

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
)

// executableName is the console debugger binary the bridge drives.
const executableName = "cdb"

// wellKnownInstallDirs lists debugger install locations probed when no explicit
// path is configured, highest-priority architecture first.
var wellKnownInstallDirs = []string{
	`C:\Program Files (x86)\Windows Kits\10\Debuggers\x64`,
	`C:\Program Files (x86)\Windows Kits\10\Debuggers\x86`,
	`C:\Program Files\Windows Kits\10\Debuggers\x64`,
	`C:\Program Files (x86)\Windows Kits\8.1\Debuggers\x64`,
	"/usr/local/bin",
	"/usr/bin",
}

// pathLookupTimeout caps the PATH search so a hung NFS mount or similar cannot
// stall session start indefinitely.
const pathLookupTimeout = 5 * time.Second

// locateExecutable resolves the debugger binary: the configured path wins,
// then well-known install directories, then a bounded PATH lookup.
func locateExecutable(configuredPath string) (string, error) {
	if configuredPath != "" {
		if _, err := os.Stat(configuredPath); err != nil {
			return "", apperrors.NotFound("debugger executable", configuredPath)
		}
		return configuredPath, nil
	}

	for _, dir := range wellKnownInstallDirs {
		for _, name := range []string{executableName + ".exe", executableName} {
			candidate := dir + string(os.PathSeparator) + name
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}

	type lookupResult struct {
		path string
		err  error
	}
	resultCh := make(chan lookupResult, 1)
	go func() {
		path, err := exec.LookPath(executableName)
		resultCh <- lookupResult{path: path, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", apperrors.NotFound("debugger executable", executableName)
		}
		return res.path, nil
	case <-time.After(pathLookupTimeout):
		return "", apperrors.Timeout(fmt.Sprintf("PATH lookup for %q exceeded %s", executableName, pathLookupTimeout))
	}
}
