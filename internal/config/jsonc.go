// Package config loads garrison.jsonc.
//
// jsonc.go - comment stripping for JSONC input
//
// The config format is JSON plus // line and /* */ block comments.
// Stripping runs before decoding. String literals pass through
// untouched, including ones that contain comment markers or escaped
// quotes.

package config

const (
	scanCode = iota
	scanString
	scanLineComment
	scanBlockComment
)

// stripComments returns src with JSONC comments removed. Line comments
// keep their trailing newline so decode errors still point at the right
// line.
func stripComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	state := scanCode
	escaped := false

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch state {
		case scanCode:
			switch {
			case c == '"':
				state = scanString
				out = append(out, c)
			case c == '/' && i+1 < len(src) && src[i+1] == '/':
				state = scanLineComment
				i++
			case c == '/' && i+1 < len(src) && src[i+1] == '*':
				state = scanBlockComment
				i++
			default:
				out = append(out, c)
			}

		case scanString:
			out = append(out, c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				state = scanCode
			}

		case scanLineComment:
			if c == '\n' {
				state = scanCode
				out = append(out, c)
			}

		case scanBlockComment:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				state = scanCode
				i++
			}
		}
	}
	return out
}
