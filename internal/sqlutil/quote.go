// Package sqlutil provides SQL identifier helpers shared by the planner and loader.
package sqlutil

import (
	"regexp"
	"strings"
)

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, "`", "``")
	return "`" + escaped + "`"
}

// QuoteQualified quotes a possibly table-qualified column reference.
// "orders.user_id" becomes `orders`.`user_id`; a bare name is qualified with
// defaultTable when one is given.
func QuoteQualified(ref, defaultTable string) string {
	table, column := SplitQualified(ref)
	if table == "" {
		table = defaultTable
	}
	if table == "" {
		return QuoteIdentifier(column)
	}
	return QuoteIdentifier(table) + "." + QuoteIdentifier(column)
}

// SplitQualified splits "table.column" into its parts. Backticks around either
// part are removed. A reference without a dot yields an empty table.
func SplitQualified(ref string) (table, column string) {
	ref = strings.TrimSpace(ref)
	idx := strings.LastIndex(ref, ".")
	if idx < 0 {
		return "", unquote(ref)
	}
	return unquote(ref[:idx]), unquote(ref[idx+1:])
}

func unquote(part string) string {
	part = strings.TrimSpace(part)
	if len(part) >= 2 && strings.HasPrefix(part, "`") && strings.HasSuffix(part, "`") {
		return strings.ReplaceAll(part[1:len(part)-1], "``", "`")
	}
	return part
}

var trailingIdentifier = regexp.MustCompile(`(\w+)\W*$`)

// ColumnKey returns the logical key of a column reference: the last run of
// identifier characters. "orders.user_id", "`orders`.`user_id`" and "user_id"
// all map to "user_id". Row maps and extra-column bookkeeping use this key.
func ColumnKey(ref string) string {
	match := trailingIdentifier.FindStringSubmatch(ref)
	if match == nil {
		return ""
	}
	return match[1]
}

// UniqueByKey keeps the first reference for each ColumnKey, preserving order.
func UniqueByKey(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		key := ColumnKey(ref)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}
