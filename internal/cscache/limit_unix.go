//go:build unix

package cscache

import "golang.org/x/sys/unix"

// fdLimit 返回当前进程的 RLIMIT_NOFILE 软限制。
func fdLimit() (uint64, bool) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, false
	}
	return rl.Cur, true
}
