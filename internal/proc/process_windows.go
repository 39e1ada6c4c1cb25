//go:build windows

package proc

func isAlivePlatform(pid int) bool {
	return isAliveFromProcessTable(pid)
}
