package txproc

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeflare/repcore/pkg/changelog"
	"github.com/edgeflare/repcore/pkg/changesource"
	"github.com/edgeflare/repcore/pkg/replica"
)

// CreateTable creates msg.Spec's table with an appended _0_version column
// and emits a reset entry (spec §4.6 create-table).
func (p *Processor) CreateTable(ctx context.Context, msg changesource.Message) error {
	table := replica.UnqualifiedName(msg.Spec.Schema, msg.Spec.Name)

	defs := make([]string, 0, len(msg.Spec.Columns)+1)
	for _, col := range msg.Spec.Columns {
		defs = append(defs, columnDDL(col.Name, col.DataType, col.IsEnum, col.IsArray, col.Default))
	}
	defs = append(defs, `"_0_version" TEXT`)

	query := fmt.Sprintf(`CREATE TABLE %s (%s)`, replica.QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := p.exec(ctx, query); err != nil {
		return fmt.Errorf("txproc: create table %s: %w", table, err)
	}

	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	return p.resetTable(ctx, table)
}

// RenameTable renames a table and emits reset entries for both the new and
// the old name, so consumers invalidate either cached identity (spec §4.6
// rename-table).
func (p *Processor) RenameTable(ctx context.Context, msg changesource.Message) error {
	if _, err := p.exec(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`,
		replica.QuoteIdent(msg.OldTable), replica.QuoteIdent(msg.NewTable))); err != nil {
		return fmt.Errorf("txproc: rename table %s to %s: %w", msg.OldTable, msg.NewTable, err)
	}

	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	if err := p.resetTable(ctx, msg.NewTable); err != nil {
		return err
	}
	return p.resetTable(ctx, msg.OldTable)
}

// AddColumn adds msg.Column to msg.Table, then bumps _0_version on every
// existing row because the new column may affect visibility (spec §4.6
// add-column).
func (p *Processor) AddColumn(ctx context.Context, msg changesource.Message) error {
	table := msg.Table
	def := columnDDL(msg.Column.Name, msg.Column.DataType, msg.Column.IsEnum, msg.Column.IsArray, msg.Column.Default)
	if _, err := p.exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, replica.QuoteIdent(table), def)); err != nil {
		return fmt.Errorf("txproc: add column %s.%s: %w", table, msg.Column.Name, err)
	}
	if err := p.bumpVersion(ctx, table); err != nil {
		return err
	}

	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	return p.resetTable(ctx, table)
}

// UpdateColumn handles the three update-column shapes of spec §4.6: a pure
// rename, a type change (the rename-retype dance, rebuilding any index that
// references the column), or a default-only change (a documented no-op; see
// DESIGN.md open question (i)).
func (p *Processor) UpdateColumn(ctx context.Context, msg changesource.Message) error {
	table := msg.Table
	oldCol, newCol := msg.OldColumn, msg.NewColumn

	oldBase, _, _ := parseDataType(oldCol.DataType)
	newBase, _, _ := parseDataType(newCol.DataType)
	nameChanged := oldCol.Name != newCol.Name
	typeChanged := oldBase != newBase

	switch {
	case !nameChanged && !typeChanged:
		// Default-value-only change: documented no-op (spec §9 open question i).
		return nil

	case nameChanged && !typeChanged:
		if _, err := p.exec(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`,
			replica.QuoteIdent(table), replica.QuoteIdent(oldCol.Name), replica.QuoteIdent(newCol.Name))); err != nil {
			return fmt.Errorf("txproc: rename column %s.%s: %w", table, oldCol.Name, err)
		}

	default: // typeChanged, name may or may not also have changed
		if err := p.retypeColumn(ctx, table, oldCol, newCol); err != nil {
			return err
		}
	}

	if err := p.bumpVersion(ctx, table); err != nil {
		return err
	}
	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	return p.resetTable(ctx, table)
}

// retypeColumn performs the rename-retype dance: drop indexes referencing
// the column, add a replacement column of the new type, copy values across,
// drop the old column, rename the replacement into place, and recreate the
// dropped indexes against the new column.
func (p *Processor) retypeColumn(ctx context.Context, table string, oldCol, newCol changesource.ColumnSpec) error {
	affected, err := replica.IndexList(ctx, p.tx, table)
	if err != nil {
		return fmt.Errorf("txproc: retype %s.%s: list indexes: %w", table, oldCol.Name, err)
	}
	var toRebuild []replica.CatalogIndex
	for _, idx := range affected {
		if idx.Origin != "c" {
			continue // pk/unique-constraint-backed indexes aren't user DDL targets here
		}
		for _, c := range idx.Columns {
			if c.Name == oldCol.Name {
				toRebuild = append(toRebuild, idx)
				break
			}
		}
	}
	for _, idx := range toRebuild {
		if _, err := p.exec(ctx, fmt.Sprintf(`DROP INDEX %s`, replica.QuoteIdent(idx.Name))); err != nil {
			return fmt.Errorf("txproc: retype %s.%s: drop index %s: %w", table, oldCol.Name, idx.Name, err)
		}
	}

	tmp := oldCol.Name + "__retype_tmp"
	newDef := columnDDL(tmp, newCol.DataType, newCol.IsEnum, newCol.IsArray, nil)
	if _, err := p.exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, replica.QuoteIdent(table), newDef)); err != nil {
		return fmt.Errorf("txproc: retype %s.%s: add temp column: %w", table, oldCol.Name, err)
	}

	base, _, _ := parseDataType(newCol.DataType)
	castType := sqliteAffinity(base, newCol.IsEnum, newCol.IsArray)
	if _, err := p.exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = CAST(%s AS %s)`,
		replica.QuoteIdent(table), replica.QuoteIdent(tmp), replica.QuoteIdent(oldCol.Name), castType)); err != nil {
		return fmt.Errorf("txproc: retype %s.%s: copy values: %w", table, oldCol.Name, err)
	}

	if _, err := p.exec(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, replica.QuoteIdent(table), replica.QuoteIdent(oldCol.Name))); err != nil {
		return fmt.Errorf("txproc: retype %s.%s: drop old column: %w", table, oldCol.Name, err)
	}

	if _, err := p.exec(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`,
		replica.QuoteIdent(table), replica.QuoteIdent(tmp), replica.QuoteIdent(newCol.Name))); err != nil {
		return fmt.Errorf("txproc: retype %s.%s: rename into place: %w", table, oldCol.Name, err)
	}

	for _, idx := range toRebuild {
		cols := make([]string, 0, len(idx.Columns))
		for _, c := range idx.Columns {
			name := c.Name
			if name == oldCol.Name {
				name = newCol.Name
			}
			if c.Desc {
				cols = append(cols, replica.QuoteIdent(name)+" DESC")
			} else {
				cols = append(cols, replica.QuoteIdent(name))
			}
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		if _, err := p.exec(ctx, fmt.Sprintf(`CREATE %sINDEX %s ON %s (%s)`,
			unique, replica.QuoteIdent(idx.Name), replica.QuoteIdent(table), strings.Join(cols, ", "))); err != nil {
			return fmt.Errorf("txproc: retype %s.%s: recreate index %s: %w", table, oldCol.Name, idx.Name, err)
		}
	}
	return nil
}

// DropColumn drops msg.OldColumn from msg.Table and bumps _0_version on the
// remaining rows (spec §4.6 drop-column).
func (p *Processor) DropColumn(ctx context.Context, msg changesource.Message) error {
	table := msg.Table
	if _, err := p.exec(ctx, fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`,
		replica.QuoteIdent(table), replica.QuoteIdent(msg.OldColumn.Name))); err != nil {
		return fmt.Errorf("txproc: drop column %s.%s: %w", table, msg.OldColumn.Name, err)
	}
	if err := p.bumpVersion(ctx, table); err != nil {
		return err
	}

	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	return p.resetTable(ctx, table)
}

// DropTable drops msg.Table if present and emits a reset entry (spec §4.6
// drop-table).
func (p *Processor) DropTable(ctx context.Context, msg changesource.Message) error {
	table := msg.Table
	if _, err := p.exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, replica.QuoteIdent(table))); err != nil {
		return fmt.Errorf("txproc: drop table %s: %w", table, err)
	}

	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	return p.resetTable(ctx, table)
}

// CreateIndex executes msg.IndexSpec and emits a reset entry against the
// affected table, because index presence affects client sync-ability (spec
// §4.6 create-index).
func (p *Processor) CreateIndex(ctx context.Context, msg changesource.Message) error {
	spec := msg.IndexSpec
	cols := make([]string, 0, len(spec.Columns))
	for _, c := range spec.Columns {
		if c.Desc {
			cols = append(cols, replica.QuoteIdent(c.Name)+" DESC")
		} else {
			cols = append(cols, replica.QuoteIdent(c.Name))
		}
	}
	unique := ""
	if spec.Unique {
		unique = "UNIQUE "
	}
	query := fmt.Sprintf(`CREATE %sINDEX %s ON %s (%s)`,
		unique, replica.QuoteIdent(spec.Name), replica.QuoteIdent(spec.Table), strings.Join(cols, ", "))
	if _, err := p.exec(ctx, query); err != nil {
		return fmt.Errorf("txproc: create index %s: %w", spec.Name, err)
	}

	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	return p.resetTable(ctx, spec.Table)
}

// DropIndex drops the named index and emits a reset entry against the
// table the index belonged to (spec §4.6 drop-index). A DROP INDEX
// statement names no table, so producers (the DDL-text parser in
// pkg/changesource/pgreplication) leave msg.Table empty; a non-empty
// msg.Table is used as given. When it is empty, the owning table is resolved
// from the replica's own catalog before the index is dropped, which also
// makes a retried drop of an
// already-dropped index (msg.Table still empty, the index no longer in the
// catalog) a clean no-op rather than a reset against table "".
func (p *Processor) DropIndex(ctx context.Context, msg changesource.Message) error {
	table := msg.Table
	if table == "" {
		resolved, ok, err := replica.IndexTable(ctx, p.tx, msg.IndexID)
		if err != nil {
			return fmt.Errorf("txproc: drop index %s: resolve table: %w", msg.IndexID, err)
		}
		if !ok {
			return nil
		}
		table = resolved
	}

	if _, err := p.exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, replica.QuoteIdent(msg.IndexID))); err != nil {
		return fmt.Errorf("txproc: drop index %s: %w", msg.IndexID, err)
	}

	p.schemaChanged = true
	if err := p.specs.Reload(ctx, p.tx); err != nil {
		return fmt.Errorf("txproc: reload table specs: %w", err)
	}
	return p.resetTable(ctx, table)
}

func (p *Processor) bumpVersion(ctx context.Context, table string) error {
	if _, err := p.exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = ?`, replica.QuoteIdent(table), replica.QuoteIdent("_0_version")),
		replica.Text(string(p.commitWatermark))); err != nil {
		return fmt.Errorf("txproc: bump version %s: %w", table, err)
	}
	return nil
}

func (p *Processor) resetTable(ctx context.Context, table string) error {
	if p.opts.SuppressChangeLog {
		return nil
	}
	if err := changelog.LogReset(ctx, p.tx, p.commitWatermark, table); err != nil {
		return fmt.Errorf("txproc: reset log %s: %w", table, err)
	}
	return nil
}

