package clipboard

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/atotto/clipboard"
)

// Method reports which mechanism accepted the text
type Method string

const (
	MethodSystem Method = "system"
	MethodOSC52  Method = "osc52"
)

// ErrUnavailable is returned when neither mechanism could copy
var ErrUnavailable = errors.New("clipboard unavailable")

// Copier copies text to the system clipboard, falling back to an OSC 52
// escape written to the controlling terminal (works over SSH in most
// terminal emulators).
type Copier struct {
	writeSystem  func(text string) error
	openTerminal func() (io.WriteCloser, error)
}

// New creates a copier using the real system clipboard and /dev/tty
func New() *Copier {
	return &Copier{
		writeSystem:  systemWrite,
		openTerminal: openTTY,
	}
}

// Copy places text on the clipboard
func (c *Copier) Copy(text string) (Method, error) {
	systemErr := c.writeSystem(text)
	if systemErr == nil {
		return MethodSystem, nil
	}

	terminalErr := c.writeOSC52(text)
	if terminalErr == nil {
		return MethodOSC52, nil
	}

	return "", fmt.Errorf("%w: system: %v; terminal: %v", ErrUnavailable, systemErr, terminalErr)
}

func (c *Copier) writeOSC52(text string) error {
	tty, err := c.openTerminal()
	if err != nil {
		return err
	}
	defer tty.Close()

	_, err = io.WriteString(tty, OSC52(text))
	return err
}

// OSC52 builds the terminal escape that sets the clipboard selection
func OSC52(text string) string {
	return "\x1b]52;c;" + base64.StdEncoding.EncodeToString([]byte(text)) + "\a"
}

func systemWrite(text string) error {
	if clipboard.Unsupported {
		return errors.New("no clipboard utility found")
	}
	return clipboard.WriteAll(text)
}

func openTTY() (io.WriteCloser, error) {
	return os.OpenFile("/dev/tty", os.O_WRONLY, 0)
}
