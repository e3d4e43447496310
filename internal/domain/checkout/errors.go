package checkout

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed submission. No order is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// OrderAbortedError is returned when no cart line could be committed. Items
// holds the customer-facing names of the unavailable lines.
type OrderAbortedError struct {
	Items []string
}

func (e *OrderAbortedError) Error() string {
	if len(e.Items) == 0 {
		return "order aborted: no items could be ordered"
	}
	return "order aborted, unavailable items: " + strings.Join(e.Items, ", ")
}
