package txproc

import (
	"strings"

	"github.com/edgeflare/repcore/pkg/replica"
)

// parseDataType splits a ColumnSpec.DataType string into its base upstream
// type and the attributes carried after '|' (spec §3: NOT_NULL, TEXT_ENUM).
func parseDataType(dataType string) (base string, notNull, isEnum bool) {
	parts := strings.Split(dataType, "|")
	base = strings.ToLower(strings.TrimSpace(parts[0]))
	for _, attr := range parts[1:] {
		switch strings.ToUpper(strings.TrimSpace(attr)) {
		case "NOT_NULL":
			notNull = true
		case "TEXT_ENUM":
			isEnum = true
		}
	}
	return base, notNull, isEnum
}

// sqliteAffinity maps an upstream base type to the SQLite storage class the
// replica stores it under. Enums and arrays are carried as their canonical
// stringification (spec §3) and so always map to TEXT regardless of base.
func sqliteAffinity(base string, isEnum, isArray bool) string {
	if isEnum || isArray {
		return "TEXT"
	}
	switch base {
	case "int2", "int4", "int8", "smallint", "integer", "bigint", "int", "bool", "boolean", "oid":
		return "INTEGER"
	case "float4", "float8", "real", "double precision", "numeric", "decimal", "money":
		return "REAL"
	case "bytea":
		return "BLOB"
	default:
		return "TEXT"
	}
}

// columnDDL renders one column definition for CREATE/ALTER TABLE ADD COLUMN.
func columnDDL(name, dataType string, isEnum, isArray bool, def *string) string {
	base, notNull, enum := parseDataType(dataType)
	enum = enum || isEnum
	b := strings.Builder{}
	b.WriteString(replica.QuoteIdent(name))
	b.WriteByte(' ')
	b.WriteString(sqliteAffinity(base, enum, isArray))
	if notNull {
		b.WriteString(" NOT NULL")
	}
	if def != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*def)
	}
	return b.String()
}
