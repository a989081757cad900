// Package shopdb provides a small shop schema for tests: an in-memory SQLite
// database seeded with users, orders, products, contacts, and achievements,
// plus the matching relationship catalog.
package shopdb

import (
	"database/sql"
	"testing"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"tidb-deepload/internal/catalog"
)

// Schema creates the shop tables.
var Schema = []string{
	"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, email TEXT)",
	"CREATE TABLE products (id INTEGER PRIMARY KEY, title TEXT NOT NULL, price REAL)",
	"CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER REFERENCES users(id), product_id INTEGER REFERENCES products(id), total REAL, status TEXT)",
	"CREATE TABLE contacts (id INTEGER PRIMARY KEY, user_id INTEGER UNIQUE REFERENCES users(id), address TEXT)",
	"CREATE TABLE achievements (id INTEGER PRIMARY KEY, title TEXT NOT NULL)",
	"CREATE TABLE achievements_users (user_id INTEGER NOT NULL, achievement_id INTEGER NOT NULL, PRIMARY KEY (user_id, achievement_id))",
}

// Seed inserts the fixture rows.
var Seed = []string{
	"INSERT INTO users (id, name, email) VALUES (1, 'alice', 'alice@example.com'), (2, 'bob', 'bob@example.com'), (3, 'carol', NULL)",
	"INSERT INTO products (id, title, price) VALUES (10, 'Pen', 1.5), (11, 'Ink', 4.0)",
	"INSERT INTO orders (id, user_id, product_id, total, status) VALUES (100, 1, 10, 3.0, 'paid'), (101, 1, 11, 8.0, 'pending'), (102, 3, NULL, 1.0, 'paid'), (103, NULL, 10, 2.0, 'paid')",
	"INSERT INTO contacts (id, user_id, address) VALUES (1, 1, '1 Main St')",
	"INSERT INTO achievements (id, title) VALUES (1, 'First order'), (2, 'Big spender')",
	"INSERT INTO achievements_users (user_id, achievement_id) VALUES (1, 1), (1, 2), (3, 1)",
}

// Open returns a seeded in-memory SQLite database private to the test.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("warning: failed to close sqlite: %v", err)
		}
	})

	for _, stmt := range append(append([]string{}, Schema...), Seed...) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to run %q: %v", stmt, err)
		}
	}
	return db
}

// Catalog returns the shop schema metadata and its relationships.
func Catalog() *catalog.Schema {
	pk := catalog.Column{Name: "id", IsPrimaryKey: true}
	return catalog.NewSchema(
		catalog.Table{
			Name:    "users",
			Columns: []catalog.Column{pk, {Name: "name"}, {Name: "email", IsNullable: true}},
			Relationships: []catalog.Relationship{
				{Name: "orders", Kind: catalog.KindHasMany, OwnerTable: "users", TargetTable: "orders"},
				{Name: "paid_orders", Kind: catalog.KindHasMany, OwnerTable: "users", TargetTable: "orders", ForeignKey: "user_id", Scope: sq.Eq{"`orders`.`status`": "paid"}},
				{Name: "contact", Kind: catalog.KindHasOne, OwnerTable: "users", TargetTable: "contacts"},
				{Name: "achievements", Kind: catalog.KindManyToMany, OwnerTable: "users", TargetTable: "achievements"},
			},
		},
		catalog.Table{
			Name:    "products",
			Columns: []catalog.Column{pk, {Name: "title"}, {Name: "price"}},
			Relationships: []catalog.Relationship{
				{Name: "orders", Kind: catalog.KindHasMany, OwnerTable: "products", TargetTable: "orders"},
			},
		},
		catalog.Table{
			Name: "orders",
			Columns: []catalog.Column{
				pk,
				{Name: "user_id", IsNullable: true},
				{Name: "product_id", IsNullable: true},
				{Name: "total"},
				{Name: "status"},
			},
			ForeignKeys: []catalog.ForeignKey{
				{ColumnName: "user_id", ReferencedTable: "users", ReferencedColumn: "id", ConstraintName: "fk_orders_user"},
				{ColumnName: "product_id", ReferencedTable: "products", ReferencedColumn: "id", ConstraintName: "fk_orders_product"},
			},
			Relationships: []catalog.Relationship{
				{Name: "user", Kind: catalog.KindBelongsTo, OwnerTable: "orders", TargetTable: "users"},
				{Name: "product", Kind: catalog.KindBelongsTo, OwnerTable: "orders", TargetTable: "products"},
			},
		},
		catalog.Table{
			Name:    "contacts",
			Columns: []catalog.Column{pk, {Name: "user_id"}, {Name: "address"}},
			Relationships: []catalog.Relationship{
				{Name: "user", Kind: catalog.KindBelongsTo, OwnerTable: "contacts", TargetTable: "users"},
			},
		},
		catalog.Table{
			Name:    "achievements",
			Columns: []catalog.Column{pk, {Name: "title"}},
			Relationships: []catalog.Relationship{
				{Name: "users", Kind: catalog.KindManyToMany, OwnerTable: "achievements", TargetTable: "users"},
			},
		},
		catalog.Table{
			Name: "achievements_users",
			Columns: []catalog.Column{
				{Name: "user_id", IsPrimaryKey: true},
				{Name: "achievement_id", IsPrimaryKey: true},
			},
		},
	)
}
