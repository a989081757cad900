// Package planner turns batch load requests into parameterized SQL.
// Queries select a fixed column list from one table, optionally joined to a
// join table, filtered by scope and base predicates plus an IN predicate on
// the key column that links the rows back to their parents.
package planner
