//go:build linux

package hostenv

import "os"

func blockingMount(path string) (string, bool) {
	if path == "" {
		return "", false
	}

	// mountinfo carries super options as well, so prefer it.
	if data, err := os.ReadFile("/proc/self/mountinfo"); err == nil { // #nosec G304 -- fixed procfs path
		if mounts := parseMountinfo(string(data)); len(mounts) > 0 {
			return noExecMountPoint(path, mounts)
		}
	}

	data, err := os.ReadFile("/proc/mounts") // #nosec G304 -- fixed procfs path
	if err != nil {
		return "", false
	}
	mounts := parseProcMounts(string(data))
	if len(mounts) == 0 {
		return "", false
	}
	return noExecMountPoint(path, mounts)
}
