package pluck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidb-deepload/internal/testutil/shopdb"
)

func shopTables() map[string][]Row {
	return map[string][]Row{
		"users": {
			{"id": int64(1), "name": "alice", "email": "alice@example.com"},
			{"id": int64(2), "name": "bob", "email": "bob@example.com"},
		},
		"orders": {
			{"id": int64(100), "user_id": int64(1), "product_id": int64(10), "total": 3.0, "status": "paid"},
			{"id": int64(101), "user_id": int64(1), "product_id": int64(11), "total": 8.0, "status": "pending"},
		},
		"products": {
			{"id": int64(10), "title": "Pen", "price": 1.5},
			{"id": int64(11), "title": "Ink", "price": 4.0},
		},
		"contacts": {
			{"id": int64(1), "user_id": int64(1), "address": "1 Main St"},
		},
		"achievements": {
			{"id": int64(1), "title": "First order"},
			{"id": int64(2), "title": "Big spender"},
		},
		"achievements_users": {
			{"user_id": int64(1), "achievement_id": int64(1)},
			{"user_id": int64(1), "achievement_id": int64(2)},
		},
	}
}

func scenarioModel() *Model {
	return NewModel(shopdb.Catalog(), "users").
		Add(Specs{Cols("name"), Associations{"orders": Specs{Cols("total"), Associations{"product": Cols("title")}}}})
}

func toJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestLoadAllScenario(t *testing.T) {
	engine := newFakeEngine(shopTables())

	rows, err := scenarioModel().LoadAll(context.Background(), engine)
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"name": "alice", "orders": [
			{"total": 3, "product": {"title": "Pen"}},
			{"total": 8, "product": {"title": "Ink"}}
		]},
		{"name": "bob", "orders": []}
	]`, toJSON(t, rows))
	assert.Equal(t, 3, engine.queryCount())

	orders := engine.queriesFor("orders")
	require.Len(t, orders, 1)
	assert.Equal(t, "orders.user_id", orders[0].KeyColumn)
	assert.Equal(t, []any{int64(1), int64(2)}, orders[0].KeyValues)

	products := engine.queriesFor("products")
	require.Len(t, products, 1)
	assert.Equal(t, "products.id", products[0].KeyColumn)
	assert.Equal(t, []any{int64(10), int64(11)}, products[0].KeyValues)
}

func TestLoadDataKeepsJoinColumns(t *testing.T) {
	rows, err := scenarioModel().LoadData(context.Background(), newFakeEngine(shopTables()))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, int64(1), rows[0]["id"])
	orders := rows[0]["orders"].(*Collection)
	require.Equal(t, 2, orders.Len())
	first := orders.Rows()[0]
	assert.Equal(t, int64(1), first["user_id"])
	assert.Equal(t, int64(10), first["product_id"])
	assert.Equal(t, Row{"id": int64(10), "title": "Pen"}, first["product"])
}

func TestRoundTripMatchesLoadAll(t *testing.T) {
	tables := shopTables()
	build := func() *Model {
		return NewModel(shopdb.Catalog(), "users").
			Add(Cols("name"),
				Assoc("orders", Cols("total"), Assoc("product", Cols("title"))),
				Assoc("contact", Cols("address")),
				Assoc("achievements", Cols("title")))
	}

	plan, err := build().Plan()
	require.NoError(t, err)
	result, err := NewExecutor(newFakeEngine(tables)).Load(context.Background(), plan)
	require.NoError(t, err)
	for _, node := range plan.Nodes {
		for _, row := range result.NodeRows(node) {
			for _, col := range node.ExtraColumns {
				delete(row, col)
			}
		}
	}

	all, err := build().LoadAll(context.Background(), newFakeEngine(tables))
	require.NoError(t, err)
	assert.JSONEq(t, toJSON(t, all), toJSON(t, result.Rows()))
}

func TestLoadAllColumnMinimality(t *testing.T) {
	m := NewModel(shopdb.Catalog(), "users").
		Add(Cols("email"),
			Assoc("contact", Cols("address")),
			Assoc("achievements", Cols("title")),
			Assoc("orders", Cols("status"), Assoc("product", Cols("price"))))

	plan, err := m.Plan()
	require.NoError(t, err)
	rows, err := m.LoadAll(context.Background(), newFakeEngine(shopTables()))
	require.NoError(t, err)

	allowed := map[string]map[string]bool{}
	for _, node := range plan.Nodes {
		set := map[string]bool{}
		for _, col := range node.NeedColumns {
			set[col] = true
		}
		for _, child := range node.Children {
			set[child.Name] = true
		}
		allowed[node.Path] = set
	}

	var check func(path string, rows []Row)
	check = func(path string, rows []Row) {
		for _, row := range rows {
			for key, value := range row {
				assert.True(t, allowed[path][key], "unexpected column %q at %q", key, path)
				childPath := key
				if path != "" {
					childPath = path + "." + key
				}
				switch v := value.(type) {
				case Row:
					check(childPath, []Row{v})
				case *Collection:
					check(childPath, v.Rows())
				}
			}
		}
	}
	check("", rows)

	alice := rows[0]
	assert.Equal(t, Row{"address": "1 Main St"}, alice["contact"])
	assert.Equal(t, 2, alice["achievements"].(*Collection).Len())
	_, hasContact := rows[1]["contact"]
	assert.False(t, hasContact, "unmatched to-one slot stays absent")
}

func TestLoadQueryCountIndependentOfRows(t *testing.T) {
	for _, users := range []int{0, 1, 250} {
		t.Run(fmt.Sprintf("%d users", users), func(t *testing.T) {
			tables := map[string][]Row{}
			for i := 1; i <= users; i++ {
				tables["users"] = append(tables["users"], Row{"id": int64(i), "name": fmt.Sprintf("user%d", i)})
				for j := 0; j < 3; j++ {
					tables["orders"] = append(tables["orders"], Row{
						"id": int64(i*10 + j), "user_id": int64(i), "product_id": int64(j), "total": float64(j),
					})
				}
			}
			for j := 0; j < 3; j++ {
				tables["products"] = append(tables["products"], Row{"id": int64(j), "title": fmt.Sprintf("p%d", j)})
			}

			engine := newFakeEngine(tables)
			rows, err := scenarioModel().LoadAll(context.Background(), engine)
			require.NoError(t, err)
			assert.Len(t, rows, users)

			if users == 0 {
				assert.Equal(t, 1, engine.queryCount())
				return
			}
			assert.Equal(t, 3, engine.queryCount())
			for _, row := range rows {
				assert.Equal(t, 3, row["orders"].(*Collection).Len())
			}
		})
	}
}

func TestLoadEmptyInputSkipsDescendants(t *testing.T) {
	tables := shopTables()
	tables["users"] = nil

	engine := newFakeEngine(tables)
	result, err := func() (*Result, error) {
		plan, err := scenarioModel().Plan()
		require.NoError(t, err)
		return NewExecutor(engine).Load(context.Background(), plan)
	}()
	require.NoError(t, err)

	assert.NotNil(t, result.Rows())
	assert.Empty(t, result.Rows())
	assert.Equal(t, 1, engine.queryCount())
	for _, node := range result.Plan().Nodes[1:] {
		assert.Nil(t, result.NodeRows(node))
	}
	assert.Equal(t, "[]", toJSON(t, result.Rows()))
}

func TestLoadEmptyParentKeySetIssuesNoQuery(t *testing.T) {
	tables := shopTables()
	tables["orders"] = []Row{
		{"id": int64(100), "user_id": int64(1), "product_id": nil, "total": 3.0},
	}

	engine := newFakeEngine(tables)
	rows, err := scenarioModel().LoadAll(context.Background(), engine)
	require.NoError(t, err)

	assert.Equal(t, 2, engine.queryCount())
	assert.Empty(t, engine.queriesFor("products"))
	order := rows[0]["orders"].(*Collection).Rows()[0]
	assert.Equal(t, Row{"total": 3.0}, order)
}

func TestLoadNullKeysNeverMatch(t *testing.T) {
	tables := shopTables()
	tables["users"] = append(tables["users"], Row{"id": nil, "name": "ghost"})
	tables["orders"] = append(tables["orders"], Row{"id": int64(102), "user_id": nil, "product_id": int64(10), "total": 1.0})

	engine := newFakeEngine(tables)
	rows, err := NewModel(shopdb.Catalog(), "users").
		Add(Cols("name"), Assoc("orders", Cols("total")), Assoc("contact", Cols("address"))).
		LoadAll(context.Background(), engine)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, 2, rows[0]["orders"].(*Collection).Len())
	assert.Equal(t, 0, rows[1]["orders"].(*Collection).Len())
	ghost := rows[2]
	assert.Equal(t, 0, ghost["orders"].(*Collection).Len())
	_, hasContact := ghost["contact"]
	assert.False(t, hasContact)

	orders := engine.queriesFor("orders")
	require.Len(t, orders, 1)
	assert.Equal(t, []any{int64(1), int64(2)}, orders[0].KeyValues)
}

func TestLoadDuplicateParentsShareCollection(t *testing.T) {
	tables := shopTables()
	tables["users"] = []Row{
		{"id": int64(1), "name": "alice"},
		{"id": int64(1), "name": "alice again"},
	}

	engine := newFakeEngine(tables)
	rows, err := NewModel(shopdb.Catalog(), "users").
		Add(Cols("name"), Assoc("orders", Cols("total"))).
		LoadAll(context.Background(), engine)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]["orders"].(*Collection)
	second := rows[1]["orders"].(*Collection)
	assert.Same(t, first, second)
	assert.Equal(t, 2, first.Len())

	first.Append(Row{"total": 99.0})
	assert.Equal(t, 3, second.Len())

	orders := engine.queriesFor("orders")
	require.Len(t, orders, 1)
	assert.Equal(t, []any{int64(1)}, orders[0].KeyValues)
}

func TestLoadDuplicateParentsToOne(t *testing.T) {
	tables := shopTables()
	tables["users"] = []Row{
		{"id": int64(1), "name": "alice"},
		{"id": int64(1), "name": "alice again"},
	}

	rows, err := NewModel(shopdb.Catalog(), "users").
		Add(Cols("name"), Assoc("contact", Cols("address"))).
		LoadAll(context.Background(), newFakeEngine(tables))
	require.NoError(t, err)
	assert.Equal(t, Row{"address": "1 Main St"}, rows[0]["contact"])
	assert.Equal(t, Row{"address": "1 Main St"}, rows[1]["contact"])
}

func TestLoadBelongsTo(t *testing.T) {
	tables := shopTables()
	tables["orders"] = append(tables["orders"], Row{"id": int64(102), "user_id": int64(1), "product_id": int64(99), "total": 1.0})

	engine := newFakeEngine(tables)
	rows, err := NewModel(shopdb.Catalog(), "orders").
		Add(Cols("total"), Assoc("user", Cols("name")), Assoc("product", Cols("title"))).
		LoadAll(context.Background(), engine)
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"total": 3, "user": {"name": "alice"}, "product": {"title": "Pen"}},
		{"total": 8, "user": {"name": "alice"}, "product": {"title": "Ink"}},
		{"total": 1, "user": {"name": "alice"}}
	]`, toJSON(t, rows))
	assert.Equal(t, reflect.ValueOf(rows[0]["user"]).Pointer(), reflect.ValueOf(rows[1]["user"]).Pointer())

	users := engine.queriesFor("users")
	require.Len(t, users, 1)
	assert.Equal(t, "users.id", users[0].KeyColumn)
	assert.Equal(t, []any{int64(1)}, users[0].KeyValues)
}

func TestLoadThroughRelation(t *testing.T) {
	engine := newFakeEngine(shopTables())
	rows, err := NewModel(shopdb.Catalog(), "users").
		Add(Cols("name"), Assoc("achievements", Cols("title"))).
		LoadAll(context.Background(), engine)
	require.NoError(t, err)

	assert.JSONEq(t, `[
		{"name": "alice", "achievements": [{"title": "First order"}, {"title": "Big spender"}]},
		{"name": "bob", "achievements": []}
	]`, toJSON(t, rows))

	queries := engine.queriesFor("achievements")
	require.Len(t, queries, 1)
	assert.Equal(t, "achievements_users.user_id", queries[0].KeyColumn)
	require.NotNil(t, queries[0].Join)
}

func TestLoadMixedKeyTypesStillStitch(t *testing.T) {
	tables := shopTables()
	// Text-protocol reads return keys as strings; binary-protocol reads as ints.
	tables["users"] = []Row{{"id": "1", "name": "alice"}}

	rows, err := NewModel(shopdb.Catalog(), "users").
		Add(Cols("name"), Assoc("orders", Cols("total"))).
		LoadAll(context.Background(), newFakeEngine(tables))
	require.NoError(t, err)
	assert.Equal(t, 2, rows[0]["orders"].(*Collection).Len())
}

func TestLoadChunkedKeySets(t *testing.T) {
	tables := map[string][]Row{}
	for i := 1; i <= 5; i++ {
		tables["users"] = append(tables["users"], Row{"id": int64(i), "name": fmt.Sprintf("user%d", i)})
		tables["orders"] = append(tables["orders"], Row{"id": int64(100 + i), "user_id": int64(i), "total": float64(i)})
	}

	engine := newFakeEngine(tables)
	rows, err := NewModel(shopdb.Catalog(), "users").
		Add(Cols("name"), Assoc("orders", Cols("total"))).
		LoadAll(context.Background(), engine, WithMaxInClause(2))
	require.NoError(t, err)

	orders := engine.queriesFor("orders")
	require.Len(t, orders, 3)
	assert.Len(t, orders[0].KeyValues, 2)
	assert.Len(t, orders[2].KeyValues, 1)
	for i, row := range rows {
		coll := row["orders"].(*Collection)
		require.Equal(t, 1, coll.Len())
		assert.Equal(t, float64(i+1), coll.Rows()[0]["total"])
	}
}

func TestLoadSiblingConcurrencyMatchesSequential(t *testing.T) {
	build := func() *Model {
		return NewModel(shopdb.Catalog(), "users").
			Add(Cols("name"),
				Assoc("orders", Cols("total"), Assoc("product", Cols("title"))),
				Assoc("contact", Cols("address")),
				Assoc("achievements", Cols("title")))
	}

	sequential, err := build().LoadAll(context.Background(), newFakeEngine(shopTables()))
	require.NoError(t, err)

	engine := newFakeEngine(shopTables())
	parallel, err := build().LoadAll(context.Background(), engine, WithSiblingConcurrency(4))
	require.NoError(t, err)

	assert.JSONEq(t, toJSON(t, sequential), toJSON(t, parallel))
	assert.Equal(t, 5, engine.queryCount())
}

func TestLoadQueryFailureAborts(t *testing.T) {
	boom := errors.New("lost connection")
	engine := newFakeEngine(shopTables())
	engine.failTable = "products"
	engine.failErr = boom

	rows, err := scenarioModel().LoadAll(context.Background(), engine)
	require.Error(t, err)
	assert.Nil(t, rows)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "orders.product")
}

func TestLoadRootFailure(t *testing.T) {
	boom := errors.New("syntax error")
	engine := newFakeEngine(shopTables())
	engine.failTable = "users"
	engine.failErr = boom

	_, err := scenarioModel().LoadData(context.Background(), engine)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, engine.queryCount())
}

func TestLoadSelectAllWhenNothingRequested(t *testing.T) {
	rows, err := NewModel(shopdb.Catalog(), "products").LoadAll(context.Background(), newFakeEngine(shopTables()))
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{"id": int64(10), "title": "Pen", "price": 1.5},
		{"id": int64(11), "title": "Ink", "price": 4.0},
	}, rows)
}

func TestPruneIsIdempotent(t *testing.T) {
	plan, err := scenarioModel().Plan()
	require.NoError(t, err)
	result, err := NewExecutor(newFakeEngine(shopTables())).Load(context.Background(), plan)
	require.NoError(t, err)

	result.Prune()
	once := toJSON(t, result.Rows())
	result.Prune()
	assert.Equal(t, once, toJSON(t, result.Rows()))
}

func TestLoadNilPlan(t *testing.T) {
	_, err := NewExecutor(newFakeEngine(nil)).Load(context.Background(), nil)
	assert.Error(t, err)
}

func TestCollectionMarshalJSON(t *testing.T) {
	assert.Equal(t, "[]", toJSON(t, NewCollection()))
	assert.JSONEq(t, `[{"a":1}]`, toJSON(t, NewCollection(Row{"a": 1})))
}
