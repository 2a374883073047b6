//go:build !linux

package hostenv

func blockingMount(string) (string, bool) {
	return "", false
}
