package zone

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// NewPrinter returns the number-grouping printer used by Print implementations.
func NewPrinter(w io.Writer) *Writer {
	return &Writer{w: w, p: message.NewPrinter(language.English)}
}

// Writer formats introspection output with grouped digits.
type Writer struct {
	w io.Writer
	p *message.Printer
}

// Printf writes a formatted line.
func (w *Writer) Printf(format string, args ...any) {
	_, _ = w.p.Fprintf(w.w, format, args...)
}

// Statistics writes s under a heading.
func (w *Writer) Statistics(name string, s Statistics) {
	w.Printf("%s: %d blocks in use, %d bytes in use (max %d), %d bytes allocated\n",
		name, s.BlocksInUse, s.SizeInUse, s.MaxSizeInUse, s.SizeAllocated)
}
