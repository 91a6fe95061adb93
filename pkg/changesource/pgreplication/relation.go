package pgreplication

import (
	"strings"

	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// trackedRelation is the last RelationMessageV2 seen for one RelationID,
// reshaped into this module's ColumnSpec so a later delivery can be diffed
// against it (spec §2 EXPANSION: DDL synthesis via relation diff).
type trackedRelation struct {
	schema  string
	name    string
	columns []changesource.ColumnSpec // position-ordered, as delivered
	raw     []*pglogrepl.RelationMessageColumn // wire columns, for tuple decoding

	replicaIdentity changesource.ReplicaIdentity
	keyColumns      []string
}

func replicaIdentityFromByte(b uint8) changesource.ReplicaIdentity {
	switch b {
	case 'f':
		return changesource.ReplicaIdentityFull
	case 'n':
		return changesource.ReplicaIdentityNothing
	default: // 'd' default, 'i' index-backed: both stream only key columns
		return changesource.ReplicaIdentityDefault
	}
}

func columnSpecFromRelationColumn(col *pglogrepl.RelationMessageColumn, pos int, typeMap *pgtype.Map) changesource.ColumnSpec {
	const flagIsKey = 1 // pglogrepl: bit 1 of RelationMessageColumn.Flags marks a key column
	dataType := pgTypeName(typeMap, col.DataType)
	return changesource.ColumnSpec{
		Name:     col.Name,
		Position: pos,
		DataType: dataType,
		Nullable: col.Flags&flagIsKey == 0,
	}
}

func relationToTracked(rel *pglogrepl.RelationMessageV2, typeMap *pgtype.Map) *trackedRelation {
	cols := make([]changesource.ColumnSpec, len(rel.Columns))
	var keyColumns []string
	for i, c := range rel.Columns {
		cols[i] = columnSpecFromRelationColumn(c, i+1, typeMap)
		if c.Flags&1 != 0 {
			keyColumns = append(keyColumns, c.Name)
		}
	}
	return &trackedRelation{
		schema:          rel.Namespace,
		name:            rel.RelationName,
		columns:         cols,
		raw:             rel.Columns,
		replicaIdentity: replicaIdentityFromByte(rel.ReplicaIdentity),
		keyColumns:      keyColumns,
	}
}

func (t *trackedRelation) toRelation() changesource.Relation {
	return changesource.Relation{
		Schema:          t.schema,
		Name:            t.name,
		KeyColumns:      t.keyColumns,
		ReplicaIdentity: t.replicaIdentity,
	}
}

func (t *trackedRelation) toTableSpec() changesource.TableSpec {
	return changesource.TableSpec{Schema: t.schema, Name: t.name, Columns: t.columns}
}

func (t *trackedRelation) columnByName(name string) (changesource.ColumnSpec, bool) {
	for _, c := range t.columns {
		if c.Name == name {
			return c, true
		}
	}
	return changesource.ColumnSpec{}, false
}

// diffRelations compares two consecutive RelationMessageV2 deliveries for
// the same RelationID and returns the DDL messages required to bring the
// replica's schema in line with the new shape. This is a documented
// approximation (DESIGN.md): pgoutput never tells us a column was *renamed*
// versus dropped-and-recreated, so a name that disappears and a name that
// appears in the same delivery are reported as an independent drop-column
// and add-column rather than a single rename. source.go prefers the
// DDL-text path (ddl.go) when available and only falls back to this diff.
func diffRelations(prev, next *trackedRelation) []changesource.Message {
	if prev == nil {
		return nil
	}

	var msgs []changesource.Message
	table := next.name

	prevByName := make(map[string]changesource.ColumnSpec, len(prev.columns))
	for _, c := range prev.columns {
		prevByName[c.Name] = c
	}
	nextByName := make(map[string]changesource.ColumnSpec, len(next.columns))
	for _, c := range next.columns {
		nextByName[c.Name] = c
	}

	for _, c := range next.columns {
		if old, ok := prevByName[c.Name]; !ok {
			msgs = append(msgs, changesource.Message{Tag: changesource.TagAddColumn, Table: table, Column: c})
		} else if !strings.EqualFold(old.DataType, c.DataType) {
			msgs = append(msgs, changesource.Message{Tag: changesource.TagUpdateColumn, Table: table, OldColumn: old, NewColumn: c})
		}
	}
	for _, c := range prev.columns {
		if _, ok := nextByName[c.Name]; !ok {
			msgs = append(msgs, changesource.Message{Tag: changesource.TagDropColumn, Table: table, OldColumn: c})
		}
	}
	return msgs
}
