package pgreplication

import (
	"fmt"

	"github.com/edgeflare/repcore/pkg/replica"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// decodeColumn decodes one TupleDataColumn into a replica.Value, mirroring
// the teacher's pglogrepl.decodeColumn but targeting the replica's tagged
// scalar union instead of a bare interface{}.
func decodeColumn(col *pglogrepl.TupleDataColumn, typeMap *pgtype.Map, dataType uint32) replica.Value {
	switch col.DataType {
	case 'n':
		return replica.Null()
	case 'u':
		// unchanged TOAST: the replica keeps its existing value, so the
		// caller must omit this column from the row entirely rather than
		// overwrite it with a zero value.
		return replica.Null()
	case 't':
		val, err := decodeTextColumnData(typeMap, col.Data, dataType)
		if err != nil {
			return replica.Text(string(col.Data))
		}
		return replica.FromAny(val)
	default:
		return replica.Null()
	}
}

func decodeTextColumnData(mi *pgtype.Map, data []byte, dataType uint32) (any, error) {
	if dt, ok := mi.TypeForOID(dataType); ok {
		return dt.Codec.DecodeValue(mi, dataType, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

// rowFromTuple builds a replica.Row from a TupleData using rel's column
// names, skipping columns whose data is unchanged TOAST (col.DataType=='u')
// so the Transaction Processor's upsert leaves the replica's existing value
// untouched for that column (spec §3 Row).
func rowFromTuple(tuple *pglogrepl.TupleData, cols []*pglogrepl.RelationMessageColumn, typeMap *pgtype.Map) replica.Row {
	row := make(replica.Row, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(cols) {
			break
		}
		if col.DataType == 'u' {
			continue
		}
		row[cols[idx].Name] = decodeColumn(col, typeMap, cols[idx].DataType)
	}
	return row
}

// pgTypeName resolves dataType's textual Postgres name via typeMap,
// falling back to a synthetic "oid123" name for types the driver hasn't
// loaded (custom enums/domains not yet queried via pg_type).
func pgTypeName(typeMap *pgtype.Map, dataType uint32) string {
	if dt, ok := typeMap.TypeForOID(dataType); ok {
		return dt.Name
	}
	return fmt.Sprintf("oid%d", dataType)
}
