// Package naming maps logical database, table and index names onto DynamoDB resource names.
package naming

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// Separator joins a database name and a table name into a physical table name.
const Separator = "."

// DynamoDB limits for table and index names.
const (
	minResourceName = 3
	maxResourceName = 255
)

var (
	errEmpty    = errors.New("name is empty")
	errTooLong  = errors.New("name is longer than 255 bytes")
	errTooShort = errors.New("name is shorter than 3 bytes")
)

// PhysicalTable returns the DynamoDB table name holding table within database.
func PhysicalTable(database, table string) string {
	return database + Separator + table
}

// SplitPhysical splits a physical table name back into its database and table parts.
// Database names never contain the separator, so the first separator is the boundary.
func SplitPhysical(name string) (database, table string, ok bool) {
	database, table, ok = strings.Cut(name, Separator)
	if !ok || database == "" || table == "" {
		return "", "", false
	}
	return database, table, true
}

// IndexName returns the GSI name for an index over field.
// Fields that are not valid resource names are sanitized and suffixed with an
// FNV hash of the original so distinct fields never collide.
func IndexName(field string) string {
	clean := sanitize(field)
	name := "by_" + clean
	if clean != field || len(name) > maxResourceName {
		h := fnv.New32a()
		h.Write([]byte(field))
		suffix := fmt.Sprintf("_%08x", h.Sum32())
		if len(name)+len(suffix) > maxResourceName {
			name = name[:maxResourceName-len(suffix)]
		}
		name += suffix
	}
	return name
}

// ValidateDatabase checks that name can prefix a physical table name.
func ValidateDatabase(name string) error {
	if name == "" {
		return fmt.Errorf("database: %w", errEmpty)
	}
	for _, r := range name {
		if !isResourceRune(r) || r == '.' {
			return fmt.Errorf("database %q: invalid character %q", name, r)
		}
	}
	return nil
}

// ValidateTable checks that table, combined with database, forms a valid DynamoDB table name.
func ValidateTable(database, table string) error {
	if table == "" {
		return fmt.Errorf("table: %w", errEmpty)
	}
	for _, r := range table {
		if !isResourceRune(r) {
			return fmt.Errorf("table %q: invalid character %q", table, r)
		}
	}
	physical := PhysicalTable(database, table)
	switch {
	case len(physical) > maxResourceName:
		return fmt.Errorf("table %q: %w", physical, errTooLong)
	case len(physical) < minResourceName:
		return fmt.Errorf("table %q: %w", physical, errTooShort)
	}
	return nil
}

// ValidateField checks that field can be used as an index key attribute.
func ValidateField(field string) error {
	if field == "" {
		return fmt.Errorf("index field: %w", errEmpty)
	}
	if len(field) > maxResourceName {
		return fmt.Errorf("index field %q: %w", field, errTooLong)
	}
	return nil
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isResourceRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isResourceRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_', r == '-', r == '.':
		return true
	}
	return false
}
