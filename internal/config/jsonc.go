package config

import "strings"

// stripComments removes // and /* */ comments from JSONC content, leaving
// anything inside string literals untouched.
func stripComments(data []byte) []byte {
	src := string(data)
	var out strings.Builder
	out.Grow(len(src))

	inString := false
	for i := 0; i < len(src); {
		c := src[i]

		if c == '"' && (i == 0 || src[i-1] != '\\') {
			inString = !inString
			out.WriteByte(c)
			i++
			continue
		}

		if !inString && c == '/' && i+1 < len(src) {
			switch src[i+1] {
			case '/':
				for i < len(src) && src[i] != '\n' {
					i++
				}
				continue
			case '*':
				i += 2
				for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
					i++
				}
				i += 2
				continue
			}
		}

		out.WriteByte(c)
		i++
	}

	return []byte(out.String())
}
