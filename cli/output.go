package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	positiveMark = "✅"
	negativeMark = "❎"
)

// printer writes colored status lines. Colors are dropped when the writer
// is not a terminal.
type printer struct {
	out, err io.Writer

	positiveStyle lipgloss.Style
	negativeStyle lipgloss.Style
}

func newPrinter(out, err io.Writer) *printer {
	return &printer{
		out:           out,
		err:           err,
		positiveStyle: lipgloss.NewRenderer(out).NewStyle().Foreground(lipgloss.Color("2")),
		negativeStyle: lipgloss.NewRenderer(err).NewStyle().Foreground(lipgloss.Color("1")),
	}
}

// Positive prints a green message on stdout.
func (p *printer) Positive(format string, args ...any) {
	fmt.Fprintln(p.out, p.positiveStyle.Render(positiveMark+" "+fmt.Sprintf(format, args...)))
}

// Negative prints a red message on stderr.
func (p *printer) Negative(format string, args ...any) {
	fmt.Fprintln(p.err, p.negativeStyle.Render(negativeMark+" "+fmt.Sprintf(format, args...)))
}

// Flag returns the country flag for an exit point named after an ISO
// country code, like US_East or UK_London. Unknown names get no flag.
func Flag(exitPoint string) string {
	if len(exitPoint) < 2 {
		return ""
	}
	code := strings.ToUpper(exitPoint[:2])
	if len(exitPoint) > 2 && isLetter(exitPoint[2]) {
		return ""
	}
	if code == "UK" {
		code = "GB"
	}
	if !isLetter(code[0]) || !isLetter(code[1]) {
		return ""
	}

	var b strings.Builder
	for _, c := range code {
		b.WriteRune(0x1F1E6 + (c - 'A'))
	}
	return b.String()
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
