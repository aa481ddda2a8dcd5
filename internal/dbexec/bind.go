package dbexec

import (
	"fmt"
	"strconv"
	"strings"

	"metaquery/internal/compiler"
)

// Placeholders selects the positional argument syntax of the target driver.
type Placeholders int

const (
	// Dollar renders $1, $2, … and reuses the position of a repeated name (PostgreSQL).
	Dollar Placeholders = iota
	// Question renders ? and repeats the argument for every occurrence (MySQL).
	Question
)

// PlaceholdersFor returns the placeholder syntax of a driver name.
func PlaceholdersFor(driver string) Placeholders {
	if driver == DriverMySQL {
		return Question
	}
	return Dollar
}

// Bind rewrites :name placeholders in query to positional placeholders and returns the
// arguments in position order. Quoted literals, quoted identifiers and :: casts are left
// untouched. A placeholder with no matching parameter is an error.
func Bind(query string, params []compiler.Param, style Placeholders) (string, []any, error) {
	values := make(map[string]any, len(params))
	for _, p := range params {
		values[p.Name] = p.Value
	}

	var out strings.Builder
	out.Grow(len(query))
	var args []any
	positions := make(map[string]int)

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			end := closingQuote(query, i)
			out.WriteString(query[i:end])
			i = end - 1
		case c == ':' && i+1 < len(query) && query[i+1] == ':':
			out.WriteString("::")
			i++
		case c == ':' && i+1 < len(query) && isNameStart(query[i+1]):
			j := i + 1
			for j < len(query) && isNamePart(query[j]) {
				j++
			}
			name := query[i+1 : j]
			v, ok := values[name]
			if !ok {
				return "", nil, fmt.Errorf("no value bound for placeholder :%s", name)
			}
			if style == Question {
				args = append(args, v)
				out.WriteByte('?')
			} else {
				pos, seen := positions[name]
				if !seen {
					args = append(args, v)
					pos = len(args)
					positions[name] = pos
				}
				out.WriteByte('$')
				out.WriteString(strconv.Itoa(pos))
			}
			i = j - 1
		default:
			out.WriteByte(c)
		}
	}
	return out.String(), args, nil
}

// closingQuote returns the index just past the quoted run starting at start. A doubled
// quote character is an escape and does not end the run.
func closingQuote(s string, start int) int {
	q := s[start]
	for i := start + 1; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i + 1
	}
	return len(s)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNamePart(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
