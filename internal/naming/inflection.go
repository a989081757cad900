package naming

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// Pluralize converts a singular word to its plural form.
// Checks custom overrides first, then falls back to the inflection library.
// Only the last underscore-separated token is inflected ("order_item" -> "order_items").
func (n *Namer) Pluralize(word string) string {
	if override, ok := n.config.PluralOverrides[word]; ok {
		return override
	}
	head, tail := splitLastToken(word)
	return head + inflection.Plural(tail)
}

// Singularize converts a plural word to its singular form.
// Checks custom overrides first, then falls back to the inflection library.
func (n *Namer) Singularize(word string) string {
	if override, ok := n.config.SingularOverrides[word]; ok {
		return override
	}
	head, tail := splitLastToken(word)
	return head + inflection.Singular(tail)
}

func splitLastToken(word string) (string, string) {
	idx := strings.LastIndex(word, "_")
	if idx < 0 {
		return "", word
	}
	return word[:idx+1], word[idx+1:]
}
