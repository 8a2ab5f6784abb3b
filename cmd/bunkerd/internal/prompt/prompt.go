// Package prompt reads interactive CLI input for setup/add, adapted from
// the teacher CLI's internal/prompt: masked passphrase entry via
// golang.org/x/term with a line-buffered fallback when stdin isn't a
// terminal (useful under test harnesses and pipes).
package prompt

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// Line prompts for a single line of plain text.
func Line(reader *bufio.Reader, label string) (string, error) {
	fmt.Printf("%s: ", label)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Masked prompts for a line of input without echoing it to the
// terminal, falling back to plain line reading when stdin is not a TTY.
func Masked(reader *bufio.Reader, label string) (string, error) {
	fmt.Printf("%s: ", label)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a yes/no question, defaulting to no on empty input.
func Confirm(reader *bufio.Reader, message string) bool {
	fmt.Printf("%s [y/N]: ", message)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
