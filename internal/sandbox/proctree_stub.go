//go:build !linux

package sandbox

// killDescendants is a no-op outside Linux; the process-group SIGKILL in
// killProcessTree is the only sweep available without /proc.
func killDescendants(rootPID int) {}

// DescendantPIDs is a no-op outside Linux; there is no /proc to walk.
func DescendantPIDs(rootPID int) []int { return nil }
