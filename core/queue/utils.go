package queue

import (
	"fmt"
	"strings"
)

// qualifiedStructName extracts the type name from any value, removing pointer prefixes.
// Used as the class name of entries enqueued from typed payloads (e.g. "billing.InvoiceCreated").
func qualifiedStructName(v any) string {
	s := fmt.Sprintf("%T", v)
	s = strings.TrimLeft(s, "*")

	return s
}
