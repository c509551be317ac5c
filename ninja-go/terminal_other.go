//go:build !unix

package ninja_go

func terminalWidth() int { return 80 }
