//go:build windows

package driver

func defaultBinaryNames() []string {
	return []string{"cdb.exe", "windbg.exe"}
}
