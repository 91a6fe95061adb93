package replica

import "strings"

// QuoteIdent quotes a single SQLite identifier (table, column or index name)
// so that it is safe to embed in generated DDL/DML regardless of reserved
// words or special characters (spec §6: "quoting for reserved words must be
// applied to every identifier in generated DDL/DML").
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedName returns the quoted replica-local identifier for a table or
// column originating in schema.name. SQLite has no schema namespace, so a
// non-default upstream schema is folded into a single literal identifier
// "schema.name" (spec §6), not SQLite's own (unrelated) attached-database
// dotted syntax.
func QualifiedName(schema, name string) string {
	return QuoteIdent(UnqualifiedName(schema, name))
}

// UnqualifiedName returns the replica table identifier (without quoting)
// used as a map/cache key: "schema.name" when schema is non-default, else
// just name.
func UnqualifiedName(schema, name string) string {
	if schema == "" || schema == "public" {
		return name
	}
	return schema + "." + name
}
