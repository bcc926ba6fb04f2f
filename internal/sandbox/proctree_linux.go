//go:build linux

package sandbox

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// killDescendants walks /proc to find every process that traces back to
// rootPID and SIGKILLs it directly, following the same
// buildProcChildrenMap/isDescendantOfRoot walk (there used to fan out
// SIGWINCH; here to guarantee a timed-out or cancelled pip's tree actually
// dies even when a child escaped the process group).
func killDescendants(rootPID int) {
	for _, pid := range DescendantPIDs(rootPID) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// DescendantPIDs returns every pid currently in /proc that traces back to
// rootPID through the kernel's parent-pid chain, in breadth-first discovery
// order. It is exported so that any caller needing to fan a signal out
// across a process tree that may have escaped its process group —
// killDescendants here, and cmd/pipbox's SIGWINCH relay for a PTY-attached
// run — shares one walk instead of reimplementing it.
func DescendantPIDs(rootPID int) []int {
	children, parentPID := buildProcChildrenMap("/proc")
	if len(children) == 0 {
		return nil
	}

	var descendants []int
	queue := []int{rootPID}
	visited := make(map[int]bool)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		for _, child := range children[current] {
			if !visited[child] {
				queue = append(queue, child)
			}
		}

		if current == rootPID {
			continue
		}
		if !isDescendantOfRoot(current, rootPID, parentPID) {
			continue
		}
		descendants = append(descendants, current)
	}
	return descendants
}

func buildProcChildrenMap(procBasePath string) (map[int][]int, map[int]int) {
	children := make(map[int][]int)
	parentPID := make(map[int]int)

	entries, err := os.ReadDir(procBasePath)
	if err != nil {
		return children, parentPID
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		ppid, ok := readProcPPID(procBasePath, pid)
		if !ok || ppid <= 0 {
			continue
		}
		parentPID[pid] = ppid
		children[ppid] = append(children[ppid], pid)
	}

	return children, parentPID
}

func isDescendantOfRoot(pid, rootPID int, parentPID map[int]int) bool {
	if pid <= 0 || rootPID <= 0 {
		return false
	}
	current := pid
	for current > 0 {
		parent, ok := parentPID[current]
		if !ok {
			return false
		}
		if parent == rootPID {
			return true
		}
		if parent == current {
			return false
		}
		current = parent
	}
	return false
}

func readProcPPID(procBasePath string, pid int) (int, bool) {
	statusPath := procBasePath + "/" + strconv.Itoa(pid) + "/status"
	data, err := os.ReadFile(statusPath) //nolint:gosec // G304: pid is numeric, base is procfs
	if err != nil {
		return 0, false
	}
	return parsePPIDFromStatus(string(data))
}

func parsePPIDFromStatus(status string) (int, bool) {
	lines := strings.Split(status, "\n")
	for _, line := range lines {
		if !strings.HasPrefix(line, "PPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return ppid, true
	}
	return 0, false
}
