//go:build !windows

package driver

func defaultBinaryNames() []string {
	return []string{"gdb", "lldb"}
}
