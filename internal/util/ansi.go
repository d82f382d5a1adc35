package util

// Terminal control sequence removal for device and tool output. Flashing
// tools and remote shells emit progress bars and colour codes that make run
// logs unreadable.

const (
	stText = iota
	stEsc
	stCSI
	stString // OSC, DCS, APC and PM, terminated by BEL or ESC \
)

// Stripper removes ANSI control sequences from a stream. The zero value is
// ready; it keeps state so a sequence may span chunks.
type Stripper struct {
	state int
	esc   bool
}

// Strip returns b without control sequences. TAB, LF and CR are kept, other
// C0 controls are dropped.
func (s *Stripper) Strip(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch s.state {
		case stText:
			switch {
			case c == 0x1b:
				s.state = stEsc
			case c >= 0x20 || c == '\n' || c == '\r' || c == '\t':
				out = append(out, c)
			}
		case stEsc:
			switch c {
			case '[':
				s.state = stCSI
			case ']', 'P', '_', '^':
				s.state, s.esc = stString, false
			default:
				s.state = stText
			}
		case stCSI:
			if c >= 0x40 && c <= 0x7e {
				s.state = stText
			}
		case stString:
			switch {
			case c == 0x07:
				s.state, s.esc = stText, false
			case s.esc:
				if c == '\\' {
					s.state = stText
				}
				s.esc = false
			case c == 0x1b:
				s.esc = true
			}
		}
	}
	return out
}

// StripANSI strips a complete string. A trailing carriage-return rewrite,
// as left by progress bars, keeps only the text after the last CR.
func StripANSI(s string) string {
	var st Stripper
	out := st.Strip([]byte(s))
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] == '\r' {
			if i == len(out)-1 {
				out = out[:i]
				continue
			}
			out = out[i+1:]
			break
		}
	}
	return string(out)
}
