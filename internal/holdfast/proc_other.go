//go:build !linux

package holdfast

func processRSSBytes() (uint64, bool) { return 0, false }
