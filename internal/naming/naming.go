package naming

import (
	"log/slog"
	"sort"
	"strings"
)

// Namer derives conventional names for relationships and their keys.
type Namer struct {
	config Config
	logger *slog.Logger
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PluralOverrides == nil {
		cfg.PluralOverrides = make(map[string]string)
	}
	if cfg.SingularOverrides == nil {
		cfg.SingularOverrides = make(map[string]string)
	}
	return &Namer{
		config: cfg,
		logger: logger,
	}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// ForeignKeyName builds the conventional foreign key column that points at a
// table's primary key.
// Example: ("users", "id") -> "user_id"
func (n *Namer) ForeignKeyName(table, primaryKey string) string {
	if primaryKey == "" {
		primaryKey = "id"
	}
	return n.Singularize(strings.ToLower(table)) + "_" + primaryKey
}

// JoinTableName derives the conventional join table for a many-to-many
// relationship: both plural table names, sorted, joined with "_".
// Example: ("tags", "products") -> "products_tags"
func (n *Namer) JoinTableName(left, right string) string {
	names := []string{n.Pluralize(strings.ToLower(left)), n.Pluralize(strings.ToLower(right))}
	sort.Strings(names)
	return names[0] + "_" + names[1]
}

// BelongsToName generates the relation name for a many-to-one relationship
// based on the FK column name with common suffixes stripped.
// Example: "author_id" -> "author", "created_by_user_id" -> "created_by_user"
func (n *Namer) BelongsToName(fkColumn string) string {
	name := fkColumn
	for _, suffix := range []string{"_id", "_fk"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) && len(name) > len(suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	return strings.ToLower(name)
}

// HasManyName generates the relation name for a one-to-many relationship.
// If isOnlyFK is true (single FK from source table), uses the pluralized table name.
// Otherwise, prefixes with the FK column name for disambiguation.
// Example: isOnlyFK=false, fkColumn="author_id": "posts" -> "author_posts"
func (n *Namer) HasManyName(sourceTable, fkColumn string, isOnlyFK bool) string {
	plural := n.Pluralize(strings.ToLower(sourceTable))
	if isOnlyFK {
		return plural
	}
	return n.BelongsToName(fkColumn) + "_" + plural
}

// ManyToManyName generates the relation name for a junction-backed relationship.
func (n *Namer) ManyToManyName(targetTable string) string {
	return n.Pluralize(strings.ToLower(targetTable))
}

// WarnOverride logs a relation that replaced a derived one.
func (n *Namer) WarnOverride(table, relation string) {
	n.logger.Warn("declared relation replaces derived relation",
		slog.String("table", table),
		slog.String("relation", relation),
	)
}
