package task

import "strings"

// IgnorePIDPrefix marks documents the repository uses for its own
// bookkeeping (the object format list, OBJECT_FORMAT_LIST.1.<n>). The ".1"
// is left off so a future renumbering still matches.
const IgnorePIDPrefix = "OBJECT_FORMAT_LIST."

// IsIgnored reports whether pid must never produce an index task
func IsIgnored(pid string) bool {
	return strings.HasPrefix(pid, IgnorePIDPrefix)
}
