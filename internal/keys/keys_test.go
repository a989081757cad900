package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidb-deepload/internal/catalog"
	"tidb-deepload/internal/naming"
	"tidb-deepload/internal/planner"
)

func testCatalog() *catalog.Schema {
	pk := func(name string) catalog.Column { return catalog.Column{Name: name, IsPrimaryKey: true} }
	return catalog.NewSchema(
		catalog.Table{
			Name:    "users",
			Columns: []catalog.Column{pk("id"), {Name: "name"}},
			Relationships: []catalog.Relationship{
				{Name: "orders", Kind: catalog.KindHasMany, OwnerTable: "users", TargetTable: "orders"},
				{Name: "contact", Kind: catalog.KindHasOne, OwnerTable: "users", TargetTable: "contacts", ForeignKey: "owner_id"},
				{Name: "achievements", Kind: catalog.KindManyToMany, OwnerTable: "users", TargetTable: "achievements"},
				{Name: "clubs", Kind: catalog.KindManyToMany, OwnerTable: "users", TargetTable: "clubs", Through: "memberships", ForeignKey: "member_id", ThroughTargetKey: "club_ref"},
			},
		},
		catalog.Table{
			Name:    "orders",
			Columns: []catalog.Column{pk("id"), {Name: "user_id"}, {Name: "product_id"}},
			Relationships: []catalog.Relationship{
				{Name: "product", Kind: catalog.KindBelongsTo, OwnerTable: "orders", TargetTable: "products"},
			},
		},
		catalog.Table{Name: "products", Columns: []catalog.Column{pk("sku")}},
		catalog.Table{Name: "contacts", Columns: []catalog.Column{pk("id"), {Name: "owner_id"}}},
		catalog.Table{Name: "achievements", Columns: []catalog.Column{pk("id")}},
		catalog.Table{Name: "clubs", Columns: []catalog.Column{pk("id")}},
		catalog.Table{Name: "logs", Columns: []catalog.Column{{Name: "line"}}},
	)
}

func mustRel(t *testing.T, r *Resolver, table, name string) catalog.Relationship {
	t.Helper()
	rel, err := r.Relationship(table, name)
	require.NoError(t, err)
	return rel
}

func TestForeignKeyDirections(t *testing.T) {
	r := NewResolver(testCatalog(), naming.Default())

	tests := []struct {
		name     string
		table    string
		relation string
		natural  Column
		reversed Column
	}{
		{"has_many", "users", "orders", Column{"users", "id"}, Column{"orders", "user_id"}},
		{"belongs_to", "orders", "product", Column{"orders", "product_sku"}, Column{"products", "sku"}},
		{"has_one override", "users", "contact", Column{"users", "id"}, Column{"contacts", "owner_id"}},
		{"derived join table", "users", "achievements", Column{"users", "id"}, Column{"achievements_users", "user_id"}},
		{"through with override", "users", "clubs", Column{"users", "id"}, Column{"memberships", "member_id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel := mustRel(t, r, tt.table, tt.relation)

			natural, err := r.ForeignKey(rel, Natural)
			require.NoError(t, err)
			assert.Equal(t, tt.natural, natural)

			reversed, err := r.ForeignKey(rel, Reversed)
			require.NoError(t, err)
			assert.Equal(t, tt.reversed, reversed)
		})
	}
}

func TestPrimaryKey(t *testing.T) {
	r := NewResolver(testCatalog(), nil)

	pk, err := r.PrimaryKey(mustRel(t, r, "orders", "product"))
	require.NoError(t, err)
	assert.Equal(t, "sku", pk)

	pk, err = r.PrimaryKey(mustRel(t, r, "users", "orders"))
	require.NoError(t, err)
	assert.Equal(t, "id", pk)

	pk, err = r.PrimaryKey(catalog.Relationship{Name: "x", Kind: catalog.KindHasMany, OwnerTable: "users", PrimaryKey: "uuid"})
	require.NoError(t, err)
	assert.Equal(t, "uuid", pk)

	_, err = r.PrimaryKey(catalog.Relationship{Name: "owner", Kind: catalog.KindBelongsTo, OwnerTable: "users", TargetTable: "logs"})
	assert.ErrorIs(t, err, catalog.ErrConfiguration)
}

func TestJoinTable(t *testing.T) {
	r := NewResolver(testCatalog(), nil)

	assert.Equal(t, "achievements_users", r.JoinTable(mustRel(t, r, "users", "achievements")))
	assert.Equal(t, "memberships", r.JoinTable(mustRel(t, r, "users", "clubs")))
	assert.Empty(t, r.JoinTable(mustRel(t, r, "users", "orders")))
}

func TestJoin(t *testing.T) {
	r := NewResolver(testCatalog(), nil)

	join, err := r.Join(mustRel(t, r, "users", "achievements"))
	require.NoError(t, err)
	assert.Equal(t, &planner.Join{Table: "achievements_users", Column: "achievement_id", TargetColumn: "id"}, join)

	join, err = r.Join(mustRel(t, r, "users", "clubs"))
	require.NoError(t, err)
	assert.Equal(t, &planner.Join{Table: "memberships", Column: "club_ref", TargetColumn: "id"}, join)

	join, err = r.Join(mustRel(t, r, "users", "orders"))
	require.NoError(t, err)
	assert.Nil(t, join)
}

func TestUnknownRelationship(t *testing.T) {
	r := NewResolver(testCatalog(), nil)

	_, err := r.Relationship("users", "nonexistent")
	assert.ErrorIs(t, err, catalog.ErrConfiguration)
}

func TestColumn(t *testing.T) {
	c := Column{Table: "orders", Name: "user_id"}
	assert.Equal(t, "orders.user_id", c.Qualified())
	assert.Equal(t, "user_id", c.Key())
	assert.Equal(t, "id", Column{Name: "id"}.Qualified())
}
