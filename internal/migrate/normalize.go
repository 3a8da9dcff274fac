// Package migrate implements the checkpointed batch item migrator: paginated
// source reads, field mapping, duplicate matching, writes, checkpointing and
// throughput accounting, all persisted through the job store.
package migrate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldType selects the normalization rule for duplicate matching. Matching
// is type-aware, not a raw string comparison.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldCategory FieldType = "category"
	FieldContact  FieldType = "contact"
	FieldDate     FieldType = "date"
	FieldMoney    FieldType = "money"
)

const listSeparator = "|"

// NormalizeValue derives the canonical match string for a field value so
// records compare equal independent of formatting differences. An empty
// result means "no match possible".
//
// Rules per type: text is trimmed and lower-cased; numbers canonicalize to
// their minimal decimal string, with invalid numbers normalizing to empty;
// category and contact lists are normalized per entry, sorted and joined;
// date ranges use only the start date; money uses only the numeric amount.
func NormalizeValue(fieldType FieldType, value any) string {
	if value == nil {
		return ""
	}
	switch fieldType {
	case FieldNumber:
		return normalizeNumber(value)
	case FieldCategory, FieldContact:
		return normalizeList(value)
	case FieldDate:
		return normalizeDate(value)
	case FieldMoney:
		return normalizeMoney(value)
	default:
		return normalizeText(value)
	}
}

func normalizeText(value any) string {
	return strings.ToLower(strings.TrimSpace(stringify(value)))
}

func normalizeNumber(value any) string {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return ""
	}
}

// normalizeList handles category and contact fields: each entry is
// normalized as text, then the entries are sorted so order never affects
// the match key.
func normalizeList(value any) string {
	var entries []string
	switch v := value.(type) {
	case []any:
		for _, entry := range v {
			entries = append(entries, normalizeListEntry(entry))
		}
	case []string:
		for _, entry := range v {
			entries = append(entries, normalizeText(entry))
		}
	default:
		entries = append(entries, normalizeListEntry(v))
	}

	nonEmpty := entries[:0]
	for _, e := range entries {
		if e != "" {
			nonEmpty = append(nonEmpty, e)
		}
	}
	sort.Strings(nonEmpty)
	return strings.Join(nonEmpty, listSeparator)
}

// normalizeListEntry unwraps the structured entry shapes the platform
// returns for category options and contact entries.
func normalizeListEntry(entry any) string {
	if m, ok := entry.(map[string]any); ok {
		for _, key := range []string{"value", "text", "name"} {
			if v, ok := m[key]; ok {
				return normalizeText(v)
			}
		}
		return ""
	}
	return normalizeText(entry)
}

func normalizeDate(value any) string {
	if m, ok := value.(map[string]any); ok {
		if start, ok := m["start"]; ok {
			return normalizeText(start)
		}
		return ""
	}
	return normalizeText(value)
}

func normalizeMoney(value any) string {
	if m, ok := value.(map[string]any); ok {
		if amount, ok := m["amount"]; ok {
			return normalizeNumber(amount)
		}
		return ""
	}
	return normalizeNumber(value)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
