package projection

import (
	"regexp"
	"strings"
	"unicode"
)

// identifierPattern restricts table, column and index names to plain SQL
// identifiers; names are interpolated into generated SQL.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// IsIdentifier reports whether name is safe to use unquoted in SQL.
func IsIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// ColumnName derives a snake_case column name from a payload field name.
//
//	ActivityType  -> activity_type
//	ErrorCodeGuid -> error_code_guid
//	HTTPStatus    -> http_status
//	error.code    -> error_code
func ColumnName(field string) string {
	runes := []rune(strings.ReplaceAll(field, ".", "_"))
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
