package router

import "strings"

// tokenizeCommandLine splits command text into tokens. Double quotes group words and a
// backslash escapes the next byte. Apostrophes are literal.
//
//	/schedule "piano practice" 0 17 * * 1-5 Time to practice
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == '"' {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
		case ch == '"':
			inQ, quoted = true, true
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
