//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package network

import "syscall"

func reuseControl(_, _ string, _ syscall.RawConn) error { return nil }

func isWouldBlock(error) bool { return false }
