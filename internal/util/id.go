package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a prefixed, lower-case ULID. IDs created by one process sort
// in creation order.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
