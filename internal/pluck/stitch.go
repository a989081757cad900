package pluck

import (
	"fmt"

	"tidb-deepload/internal/catalog"
)

// stitch assigns child rows into their parents' slot named after the node.
//
// belongs_to indexes the children by their primary key and walks the parents
// by foreign key. Every other kind indexes the parents by primary key and
// walks the children by foreign key. Parents sharing a key share one
// collection for to-many relationships. Null keys never match.
func stitch(parents, children []Row, node *PlanNode) {
	if node.Relation.IsBelongsTo() {
		stitchForward(parents, children, node)
		return
	}
	stitchReverse(parents, children, node)
}

func stitchForward(parents, children []Row, node *PlanNode) {
	byKey := make(map[string]Row, len(children))
	for _, child := range children {
		if k, ok := indexKey(child[node.ChildKey.Key()]); ok {
			byKey[k] = child
		}
	}
	for _, parent := range parents {
		k, ok := indexKey(parent[node.ParentKey.Key()])
		if !ok {
			continue
		}
		if child, found := byKey[k]; found {
			parent[node.Name] = child
		}
	}
}

func stitchReverse(parents, children []Row, node *PlanNode) {
	parentKey := node.ParentKey.Key()
	childKey := node.ChildKey.Key()

	if node.Relation.Cardinality() == catalog.ToMany {
		byKey := make(map[string]*Collection, len(parents))
		for _, parent := range parents {
			k, ok := indexKey(parent[parentKey])
			if !ok {
				parent[node.Name] = NewCollection()
				continue
			}
			coll, found := byKey[k]
			if !found {
				coll = NewCollection()
				byKey[k] = coll
			}
			parent[node.Name] = coll
		}
		for _, child := range children {
			k, ok := indexKey(child[childKey])
			if !ok {
				continue
			}
			if coll, found := byKey[k]; found {
				coll.Append(child)
			}
		}
		return
	}

	byKey := make(map[string][]Row, len(parents))
	for _, parent := range parents {
		if k, ok := indexKey(parent[parentKey]); ok {
			byKey[k] = append(byKey[k], parent)
		}
	}
	for _, child := range children {
		k, ok := indexKey(child[childKey])
		if !ok {
			continue
		}
		for _, parent := range byKey[k] {
			parent[node.Name] = child
		}
	}
}

// indexKey normalizes a key value for hashing so that the same key read as
// int64 from one query and as text from another still matches. Nil values
// have no key.
func indexKey(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case []byte:
		return string(val), true
	case string:
		return val, true
	default:
		return fmt.Sprint(val), true
	}
}
