package catalog

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"tidb-deepload/internal/naming"
)

// BuildRelationships derives relationships from foreign keys and join tables.
// Previously derived relationships are discarded; declared ones are kept and
// win over any derived relationship with the same name.
func BuildRelationships(ctx context.Context, schema *Schema, namer *naming.Namer) error {
	_, span := startSpan(ctx, "catalog.build_relationships")
	defer span.End()

	if schema == nil {
		return nil
	}
	if namer == nil {
		namer = naming.Default()
	}

	for i := range schema.Tables {
		kept := schema.Tables[i].Relationships[:0]
		for _, rel := range schema.Tables[i].Relationships {
			if rel.Declared {
				kept = append(kept, rel)
			}
		}
		schema.Tables[i].Relationships = kept
	}

	junctions := ClassifyJunctions(schema)

	warned := make(map[string]struct{})
	warnCompositeSkip := func(kind, tableName string, fk ForeignKeyConstraint) {
		key := kind + "|" + tableName + "|" + fk.ConstraintName
		if _, seen := warned[key]; seen {
			return
		}
		warned[key] = struct{}{}
		slog.Default().Warn("skipping composite foreign key",
			slog.String("kind", kind),
			slog.String("table", tableName),
			slog.String("constraint", fk.ConstraintName),
			slog.String("columns", strings.Join(fk.ColumnNames, ",")),
			slog.String("referenced_table", fk.ReferencedTable),
		)
	}

	add := func(table *Table, rel Relationship) {
		if table.relationshipIndex(rel.Name) >= 0 {
			slog.Default().Debug("relationship name already taken; skipping derived relationship",
				slog.String("table", table.Name),
				slog.String("relation", rel.Name),
				slog.String("kind", rel.Kind.String()),
			)
			return
		}
		table.Relationships = append(table.Relationships, rel)
	}

	// FKs per (source, target) pair decide whether reverse names need a prefix.
	fkCount := make(map[string]map[string]int)
	for _, table := range schema.Tables {
		if table.IsView {
			continue
		}
		for _, fk := range ForeignKeyConstraints(table) {
			if fkCount[table.Name] == nil {
				fkCount[table.Name] = make(map[string]int)
			}
			fkCount[table.Name][fk.ReferencedTable]++
		}
	}

	// belongs_to from each FK column.
	for i := range schema.Tables {
		table := &schema.Tables[i]
		if table.IsView || junctions[table.Name].Type == PureJunction {
			continue
		}
		for _, fk := range ForeignKeyConstraints(*table) {
			if !fk.IsSingleColumn() {
				warnCompositeSkip(KindBelongsTo.String(), table.Name, fk)
				continue
			}
			add(table, Relationship{
				Name:        namer.BelongsToName(fk.ColumnNames[0]),
				Kind:        KindBelongsTo,
				OwnerTable:  table.Name,
				TargetTable: fk.ReferencedTable,
				ForeignKey:  fk.ColumnNames[0],
				PrimaryKey:  fk.ReferencedColumns[0],
			})
		}
	}

	// has_many / has_one in the reverse direction.
	for i := range schema.Tables {
		table := &schema.Tables[i]
		if table.IsView {
			continue
		}
		for _, other := range schema.Tables {
			if other.IsView || junctions[other.Name].Type == PureJunction {
				continue
			}
			for _, fk := range ForeignKeyConstraints(other) {
				if fk.ReferencedTable != table.Name {
					continue
				}
				if !fk.IsSingleColumn() {
					warnCompositeSkip(KindHasMany.String(), other.Name, fk)
					continue
				}
				isOnlyFK := fkCount[other.Name][table.Name] == 1
				rel := Relationship{
					Kind:        KindHasMany,
					OwnerTable:  table.Name,
					TargetTable: other.Name,
					ForeignKey:  fk.ColumnNames[0],
					PrimaryKey:  fk.ReferencedColumns[0],
				}
				if isUniqueColumn(other, fk.ColumnNames[0]) {
					rel.Kind = KindHasOne
					rel.Name = namer.Singularize(namer.HasManyName(other.Name, fk.ColumnNames[0], isOnlyFK))
				} else {
					rel.Name = namer.HasManyName(other.Name, fk.ColumnNames[0], isOnlyFK)
				}
				add(table, rel)
			}
		}
	}

	// many_to_many in both directions through each join table.
	names := make([]string, 0, len(junctions))
	for name := range junctions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		jc := junctions[name]
		left, _ := schema.Table(jc.Left.ReferencedTable)
		right, _ := schema.Table(jc.Right.ReferencedTable)
		add(left, Relationship{
			Name:             namer.ManyToManyName(right.Name),
			Kind:             KindManyToMany,
			OwnerTable:       left.Name,
			TargetTable:      right.Name,
			ForeignKey:       jc.Left.ColumnName,
			PrimaryKey:       jc.Left.ReferencedColumn,
			Through:          jc.Table,
			ThroughTargetKey: jc.Right.ColumnName,
		})
		add(right, Relationship{
			Name:             namer.ManyToManyName(left.Name),
			Kind:             KindManyToMany,
			OwnerTable:       right.Name,
			TargetTable:      left.Name,
			ForeignKey:       jc.Right.ColumnName,
			PrimaryKey:       jc.Right.ReferencedColumn,
			Through:          jc.Table,
			ThroughTargetKey: jc.Left.ColumnName,
		})
	}

	return nil
}

// isUniqueColumn reports whether a single-column unique index or a
// single-column primary key covers the column.
func isUniqueColumn(table Table, column string) bool {
	pk := table.PrimaryKeyColumns()
	if len(pk) == 1 && pk[0].Name == column {
		return true
	}
	for _, idx := range table.Indexes {
		if idx.Unique && len(idx.Columns) == 1 && idx.Columns[0] == column {
			return true
		}
	}
	return false
}
