// Package retrieval implements two-stage fan-out search: a summary collection
// routes a query to the per-document chunk collections worth searching.
package retrieval

import (
	"fmt"
	"strings"
)

// Naming derives per-document chunk collection names as
// {Namespace}_{stem}_{Mode}, for example NRAG_report_dev.
type Naming struct {
	Namespace string
	Mode      string
}

// Collection returns the chunk collection name for a document stem.
func (n Naming) Collection(stem string) string {
	return n.Namespace + "_" + stem + "_" + n.Mode
}

// Stem recovers the document stem from a chunk collection name.
func (n Naming) Stem(collection string) (string, bool) {
	prefix := n.Namespace + "_"
	suffix := "_" + n.Mode
	if len(collection) <= len(prefix)+len(suffix) ||
		!strings.HasPrefix(collection, prefix) || !strings.HasSuffix(collection, suffix) {
		return "", false
	}
	return collection[len(prefix) : len(collection)-len(suffix)], true
}

// Validate rejects empty parts.
func (n Naming) Validate() error {
	if n.Namespace == "" || n.Mode == "" {
		return fmt.Errorf("collection naming requires namespace and mode, got %q and %q", n.Namespace, n.Mode)
	}
	return nil
}
