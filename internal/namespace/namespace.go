// Package namespace extracts job coordinates from Kubernetes namespace names.
//
// Job namespaces are created by the orchestration layer as
// ib-<job uuid>-<extension>, for example
// ib-123e4567-e89b-12d3-a456-426614174000-myext.
package namespace

import "regexp"

var jobPattern = regexp.MustCompile(
	`ib-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})-([0-9a-zA-Z]+)`,
)

// Ref identifies the job and extension a namespace belongs to.
type Ref struct {
	JobID         string
	ExtensionName string
}

// Parse extracts the job reference from ns. It reports false for namespaces
// that do not belong to a job; that is the common case, not an error.
func Parse(ns string) (Ref, bool) {
	m := jobPattern.FindStringSubmatch(ns)
	if m == nil {
		return Ref{}, false
	}
	return Ref{JobID: m[1], ExtensionName: m[2]}, true
}

// Format builds the namespace name for a job reference.
func Format(ref Ref) string {
	return "ib-" + ref.JobID + "-" + ref.ExtensionName
}
