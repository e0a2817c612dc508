package model

import "time"

// RawRecord is one container log event as handed over by the host agent.
// The core reads it but never mutates it.
type RawRecord struct {
	Time       time.Time
	Log        string
	Kubernetes map[string]any // namespace_name, container_name, pod_name, ...
	Extra      map[string]any // any other top-level fields, ignored
}

// Kubernetes metadata keys read by the router.
const (
	FieldNamespace = "namespace_name"
	FieldContainer = "container_name"
	FieldPod       = "pod_name"
)

// KubernetesString returns the string value of a kubernetes metadata field.
func (r RawRecord) KubernetesString(key string) (string, bool) {
	if r.Kubernetes == nil {
		return "", false
	}
	v, ok := r.Kubernetes[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// ParsedRecord is a RawRecord whose namespace matched the job pattern.
// JobID and ExtensionName are derived once, at parse time.
type ParsedRecord struct {
	Time          time.Time
	JobID         string
	ExtensionName string
	ContainerName string
	PodName       string
	Log           string
}

// recordOverhead approximates the encoded framing of one record.
const recordOverhead = 32

// Size approximates the encoded size of the record in bytes.
func (r ParsedRecord) Size() int {
	return recordOverhead + len(r.JobID) + len(r.ExtensionName) +
		len(r.ContainerName) + len(r.PodName) + len(r.Log)
}

// IngestEnvelope carries one raw input line with source metadata.
// It is the transport contract between input plugins and decoding.
type IngestEnvelope struct {
	Source string
	Line   string
	// Closed marks the last envelope of a source; Line is empty.
	Closed bool
}
