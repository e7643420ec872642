package dialect

import "fmt"

// JSONArrayContainsText returns the SQL fragment testing whether col (a
// TEXT column holding a JSON array, e.g. agents.tags) contains a given
// string value, bound as a single `?` placeholder.
//
//	SQLite:   EXISTS (SELECT 1 FROM json_each(col) WHERE json_each.value = ?)
//	Postgres: col::jsonb @> to_jsonb(ARRAY[?]::text[])
func JSONArrayContainsText(driver, col string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb @> to_jsonb(ARRAY[?]::text[])", col)
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", col)
}
