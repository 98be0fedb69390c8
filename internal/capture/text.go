package capture

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"wlrelay/internal/protocol"
)

const textTimeLayout = "15:04:05.000000"

// textSink writes one line per message in the style of WAYLAND_DEBUG:
//
//	[15:04:05.000123] #1 -> wl_compositor@4.create_surface(new id @7)
//	[15:04:05.000456] #1 <- wl_callback@9.done(1234)
type textSink struct{}

func (textSink) write(w io.Writer, rec Record) error {
	_, err := io.WriteString(w, FormatLine(rec)+"\n")
	return err
}

// FormatLine renders rec without a trailing newline.
func FormatLine(rec Record) string {
	var b bytes.Buffer
	b.WriteByte('[')
	b.WriteString(rec.Time.Format(textTimeLayout))
	b.WriteString("] #")
	b.WriteString(strconv.FormatUint(rec.Session, 10))
	if rec.From == protocol.Client {
		b.WriteString(" -> ")
	} else {
		b.WriteString(" <- ")
	}
	m := rec.Message
	iface := rec.Interface
	if iface == "" {
		iface = "?"
	}
	fmt.Fprintf(&b, "%s@%d.", iface, m.Sender)
	if rec.Name != "" {
		b.WriteString(rec.Name)
	} else {
		fmt.Fprintf(&b, "op%d", m.Opcode)
	}
	b.WriteByte('(')
	for i, a := range m.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	if len(m.Raw) > 0 {
		if len(m.Args) > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "raw[%d]", len(m.Raw))
	}
	b.WriteByte(')')
	return b.String()
}
