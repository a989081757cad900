package catalog

// JunctionType classifies how a join table participates in relationships.
type JunctionType int

const (
	// NotJunction indicates the table is not a join table.
	NotJunction JunctionType = iota
	// PureJunction holds only the two foreign key columns. Its own
	// belongs_to and has_many relationships are not derived.
	PureJunction
	// AttributeJunction carries extra columns and stays addressable as a
	// regular table in addition to backing many-to-many relationships.
	AttributeJunction
)

func (t JunctionType) String() string {
	switch t {
	case NotJunction:
		return "not_junction"
	case PureJunction:
		return "pure"
	case AttributeJunction:
		return "attribute"
	default:
		return "unknown"
	}
}

// Junction describes a join table linking two other tables.
type Junction struct {
	Table string
	Type  JunctionType
	// Left is the foreign key whose referenced table sorts first.
	Left  ForeignKey
	Right ForeignKey
}

// JunctionMap maps join table names to their classification.
type JunctionMap map[string]Junction

// ClassifyJunctions finds join tables in the schema. A table qualifies when:
//   - it has exactly 2 single-column foreign keys to different tables
//   - both FK columns are NOT NULL
//   - the primary key or a unique index covers both FK columns
//   - both referenced tables exist
func ClassifyJunctions(schema *Schema) JunctionMap {
	result := make(JunctionMap)
	if schema == nil {
		return result
	}
	for _, table := range schema.Tables {
		if table.IsView {
			continue
		}
		if info, ok := classifyTable(schema, table); ok {
			result[table.Name] = info
		}
	}
	return result
}

func classifyTable(schema *Schema, table Table) (Junction, bool) {
	if len(table.ForeignKeys) != 2 {
		return Junction{}, false
	}
	fk1, fk2 := table.ForeignKeys[0], table.ForeignKeys[1]
	if fk1.ReferencedTable == fk2.ReferencedTable {
		return Junction{}, false
	}
	if _, ok := schema.Table(fk1.ReferencedTable); !ok {
		return Junction{}, false
	}
	if _, ok := schema.Table(fk2.ReferencedTable); !ok {
		return Junction{}, false
	}

	fkCols := map[string]bool{fk1.ColumnName: true, fk2.ColumnName: true}
	for _, col := range table.Columns {
		if fkCols[col.Name] && col.IsNullable {
			return Junction{}, false
		}
	}
	if !hasCoveringConstraint(table, fkCols) {
		return Junction{}, false
	}

	jType := PureJunction
	for _, col := range table.Columns {
		if !fkCols[col.Name] {
			jType = AttributeJunction
			break
		}
	}

	if fk1.ReferencedTable > fk2.ReferencedTable {
		fk1, fk2 = fk2, fk1
	}
	return Junction{Table: table.Name, Type: jType, Left: fk1, Right: fk2}, true
}

func hasCoveringConstraint(table Table, fkCols map[string]bool) bool {
	pkCols := make(map[string]bool)
	for _, col := range table.PrimaryKeyColumns() {
		pkCols[col.Name] = true
	}
	if coversAll(pkCols, fkCols) {
		return true
	}
	for _, idx := range table.Indexes {
		if !idx.Unique {
			continue
		}
		idxCols := make(map[string]bool, len(idx.Columns))
		for _, col := range idx.Columns {
			idxCols[col] = true
		}
		if coversAll(idxCols, fkCols) {
			return true
		}
	}
	return false
}

func coversAll(covering, required map[string]bool) bool {
	for col := range required {
		if !covering[col] {
			return false
		}
	}
	return true
}
