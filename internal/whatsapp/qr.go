package whatsapp

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

// terminalQR prints pairing codes as compact QR blocks. A nil *terminalQR
// prints nothing.
type terminalQR struct {
	out *os.File
	mu  sync.Mutex
}

func newTerminalQR(out *os.File) *terminalQR {
	if out == nil || !term.IsTerminal(int(out.Fd())) {
		return nil
	}
	return &terminalQR{out: out}
}

// Print renders code. When the terminal is too narrow it prints a pointer to
// the HTTP rendering instead.
func (t *terminalQR) Print(code string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	art, err := renderSmallQR(code)
	if err != nil {
		fmt.Fprintf(t.out, "QR code: %s\n", code)
		return
	}

	if w, _, err := term.GetSize(int(t.out.Fd())); err == nil && w < qrWidth(art) {
		fmt.Fprintln(t.out, "Terminal too narrow for the QR code, open /api/qr.png to scan it")
		return
	}

	fmt.Fprintln(t.out, "\nScan this QR code with WhatsApp (Settings > Linked Devices > Link a Device):")
	fmt.Fprintln(t.out, art)
}

func renderSmallQR(code string) (string, error) {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode QR: %w", err)
	}
	return q.ToSmallString(false), nil
}

// qrWidth returns the widest line of art in terminal columns.
func qrWidth(art string) int {
	w := 0
	for _, line := range strings.Split(art, "\n") {
		if n := len([]rune(line)); n > w {
			w = n
		}
	}
	return w
}
