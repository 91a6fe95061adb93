package pgreplication

import (
	"fmt"
	"strings"

	"github.com/edgeflare/repcore/pkg/changesource"
	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// parseDDLMessage turns the raw SQL text carried by a repcore.ddl logical
// message into the precise changesource.Message(s) it describes. A
// companion Postgres event trigger is expected to pg_logical_emit_message
// the triggering statement verbatim; without it, source.go falls back to
// the coarser relation-diff approximation in relation.go.
//
// Only the DDL shapes spec §4.6 names are recognized; anything else
// (GRANT, COMMENT ON, etc.) is ignored and returns no messages.
func parseDDLMessage(sql string) ([]changesource.Message, error) {
	result, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("pgreplication: parse ddl message: %w", err)
	}

	var msgs []changesource.Message
	for _, raw := range result.Stmts {
		stmt := raw.Stmt
		switch {
		case stmt.GetCreateStmt() != nil:
			msgs = append(msgs, createTableMessage(stmt.GetCreateStmt()))
		case stmt.GetRenameStmt() != nil:
			if m, ok := renameMessage(stmt.GetRenameStmt()); ok {
				msgs = append(msgs, m)
			}
		case stmt.GetAlterTableStmt() != nil:
			msgs = append(msgs, alterTableMessages(stmt.GetAlterTableStmt())...)
		case stmt.GetDropStmt() != nil:
			msgs = append(msgs, dropMessages(stmt.GetDropStmt())...)
		case stmt.GetIndexStmt() != nil:
			msgs = append(msgs, createIndexMessage(stmt.GetIndexStmt()))
		}
	}
	return msgs, nil
}

func typeName(tn *pg_query.TypeName) string {
	var parts []string
	for _, n := range tn.GetNames() {
		if s := n.GetString_(); s != nil {
			if s.Sval == "pg_catalog" {
				continue
			}
			parts = append(parts, s.Sval)
		}
	}
	return strings.Join(parts, ".")
}

func columnDefSpec(def *pg_query.ColumnDef, pos int) changesource.ColumnSpec {
	notNull := false
	for _, c := range def.GetConstraints() {
		if ct := c.GetConstraint(); ct != nil && ct.Contype == pg_query.ConstrType_CONSTR_NOTNULL {
			notNull = true
		}
	}
	dt := typeName(def.GetTypeName())
	if notNull {
		dt += "|NOT_NULL"
	}
	return changesource.ColumnSpec{Name: def.GetColname(), Position: pos, DataType: dt, Nullable: !notNull}
}

func createTableMessage(stmt *pg_query.CreateStmt) changesource.Message {
	rel := stmt.GetRelation()
	var cols []changesource.ColumnSpec
	for i, elt := range stmt.GetTableElts() {
		if def := elt.GetColumnDef(); def != nil {
			cols = append(cols, columnDefSpec(def, i+1))
		}
	}
	return changesource.Message{
		Tag:  changesource.TagCreateTable,
		Spec: changesource.TableSpec{Schema: rel.GetSchemaname(), Name: rel.GetRelname(), Columns: cols},
	}
}

func renameMessage(stmt *pg_query.RenameStmt) (changesource.Message, bool) {
	switch stmt.GetRenameType() {
	case pg_query.ObjectType_OBJECT_TABLE:
		return changesource.Message{
			Tag:      changesource.TagRenameTable,
			OldTable: stmt.GetRelation().GetRelname(),
			NewTable: stmt.GetNewname(),
		}, true
	case pg_query.ObjectType_OBJECT_COLUMN:
		table := stmt.GetRelation().GetRelname()
		return changesource.Message{
			Tag:       changesource.TagUpdateColumn,
			Table:     table,
			OldColumn: changesource.ColumnSpec{Name: stmt.GetSubname()},
			NewColumn: changesource.ColumnSpec{Name: stmt.GetNewname()},
		}, true
	default:
		return changesource.Message{}, false
	}
}

func alterTableMessages(stmt *pg_query.AlterTableStmt) []changesource.Message {
	table := stmt.GetRelation().GetRelname()
	var msgs []changesource.Message
	for i, cmdNode := range stmt.GetCmds() {
		cmd := cmdNode.GetAlterTableCmd()
		if cmd == nil {
			continue
		}
		switch cmd.GetSubtype() {
		case pg_query.AlterTableType_AT_AddColumn:
			if def := cmd.GetDef().GetColumnDef(); def != nil {
				msgs = append(msgs, changesource.Message{Tag: changesource.TagAddColumn, Table: table, Column: columnDefSpec(def, i+1)})
			}
		case pg_query.AlterTableType_AT_DropColumn:
			msgs = append(msgs, changesource.Message{Tag: changesource.TagDropColumn, Table: table, OldColumn: changesource.ColumnSpec{Name: cmd.GetName()}})
		case pg_query.AlterTableType_AT_AlterColumnType:
			if def := cmd.GetDef().GetColumnDef(); def != nil {
				newCol := changesource.ColumnSpec{Name: cmd.GetName(), DataType: typeName(def.GetTypeName())}
				msgs = append(msgs, changesource.Message{
					Tag:       changesource.TagUpdateColumn,
					Table:     table,
					OldColumn: changesource.ColumnSpec{Name: cmd.GetName()},
					NewColumn: newCol,
				})
			}
		}
	}
	return msgs
}

func dropMessages(stmt *pg_query.DropStmt) []changesource.Message {
	var msgs []changesource.Message
	for _, obj := range stmt.GetObjects() {
		name := lastNamePart(obj.GetList())
		if name == "" {
			continue
		}
		switch stmt.GetRemoveType() {
		case pg_query.ObjectType_OBJECT_TABLE:
			msgs = append(msgs, changesource.Message{Tag: changesource.TagDropTable, Table: name})
		case pg_query.ObjectType_OBJECT_INDEX:
			// DROP INDEX names no table; Table is left empty here and
			// resolved by txproc.Processor.DropIndex from the replica's
			// own catalog before the index is actually dropped.
			msgs = append(msgs, changesource.Message{Tag: changesource.TagDropIndex, IndexID: name})
		}
	}
	return msgs
}

func lastNamePart(list *pg_query.List) string {
	if list == nil {
		return ""
	}
	items := list.GetItems()
	if len(items) == 0 {
		return ""
	}
	if s := items[len(items)-1].GetString_(); s != nil {
		return s.Sval
	}
	return ""
}

func createIndexMessage(stmt *pg_query.IndexStmt) changesource.Message {
	var cols []changesource.IndexColumnSpec
	for _, p := range stmt.GetIndexParams() {
		if elem := p.GetIndexElem(); elem != nil {
			cols = append(cols, changesource.IndexColumnSpec{
				Name: elem.GetName(),
				Desc: elem.GetOrdering() == pg_query.SortByDir_SORTBY_DESC,
			})
		}
	}
	return changesource.Message{
		Tag: changesource.TagCreateIndex,
		IndexSpec: changesource.IndexSpec{
			Name:    stmt.GetIdxname(),
			Table:   stmt.GetRelation().GetRelname(),
			Unique:  stmt.GetUnique(),
			Columns: cols,
		},
	}
}
