package catalog

import (
	"fmt"
	"sort"
)

// ForeignKeyConstraint groups per-column KEY_COLUMN_USAGE rows into one constraint.
type ForeignKeyConstraint struct {
	ConstraintName    string
	ReferencedTable   string
	ColumnNames       []string
	ReferencedColumns []string
}

// IsSingleColumn reports whether the constraint maps exactly one column.
func (c ForeignKeyConstraint) IsSingleColumn() bool {
	return len(c.ColumnNames) == 1 && len(c.ReferencedColumns) == 1
}

// ForeignKeyConstraints returns FK constraints for a table with deterministic ordering.
func ForeignKeyConstraints(table Table) []ForeignKeyConstraint {
	if len(table.ForeignKeys) == 0 {
		return nil
	}

	type row struct {
		key   string
		fk    ForeignKey
		index int
	}
	rows := make([]row, 0, len(table.ForeignKeys))
	for i, fk := range table.ForeignKeys {
		key := fk.ConstraintName
		if key == "" {
			// Unnamed constraints are kept apart rather than merged.
			key = fmt.Sprintf("__unnamed_%d", i)
		}
		rows = append(rows, row{key: key, fk: fk, index: i})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].key != rows[j].key {
			return rows[i].key < rows[j].key
		}
		if rows[i].fk.OrdinalPosition != rows[j].fk.OrdinalPosition {
			return rows[i].fk.OrdinalPosition < rows[j].fk.OrdinalPosition
		}
		return rows[i].index < rows[j].index
	})

	var result []ForeignKeyConstraint
	positions := make(map[string]int)
	for _, item := range rows {
		pos, ok := positions[item.key]
		if !ok {
			pos = len(result)
			positions[item.key] = pos
			result = append(result, ForeignKeyConstraint{
				ConstraintName:  item.fk.ConstraintName,
				ReferencedTable: item.fk.ReferencedTable,
			})
		}
		result[pos].ColumnNames = append(result[pos].ColumnNames, item.fk.ColumnName)
		result[pos].ReferencedColumns = append(result[pos].ReferencedColumns, item.fk.ReferencedColumn)
	}
	return result
}
