// Package prompt reads answers from a terminal for the init wizard and
// createsuperuser.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// Default returns a Prompter on stdin/stdout.
func Default() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) readLine() (string, bool) {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		p.eof = true
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// Ask reads one line, returning def when the answer is empty.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		_, _ = fmt.Fprintf(p.Out, "%s [%s]: ", question, def)
	} else {
		_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	}
	if line, _ := p.readLine(); line != "" {
		return line
	}
	return def
}

// AskEmail repeats the question until the answer is a bare email address.
// It gives up with an error when input ends.
func (p *Prompter) AskEmail(question, def string) (string, error) {
	for {
		ans := p.Ask(question, def)
		if addr, err := mail.ParseAddress(ans); err == nil && addr.Address == ans {
			return ans, nil
		}
		if p.exhausted() {
			return "", io.ErrUnexpectedEOF
		}
		_, _ = fmt.Fprintln(p.Out, "  Enter a valid email address.")
	}
}

// AskPassword reads a line without echo when In is a terminal, and as plain
// text otherwise (pipes, tests).
func (p *Prompter) AskPassword(question string) string {
	_, _ = fmt.Fprintf(p.Out, "%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	line, _ := p.readLine()
	return line
}

// AskNewPassword asks twice and insists on minLen characters and a match.
func (p *Prompter) AskNewPassword(question string, minLen int) (string, error) {
	for {
		pw := p.AskPassword(question)
		switch {
		case len(pw) < minLen:
			_, _ = fmt.Fprintf(p.Out, "  Password must be at least %d characters.\n", minLen)
		case p.AskPassword(question+" (again)") != pw:
			_, _ = fmt.Fprintln(p.Out, "  Passwords do not match.")
		default:
			return pw, nil
		}
		if p.exhausted() {
			return "", io.ErrUnexpectedEOF
		}
	}
}

// Choose lists options and returns the picked one; def is a zero-based index.
func (p *Prompter) Choose(question string, options []string, def int) string {
	_, _ = fmt.Fprintf(p.Out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(def+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		if p.exhausted() {
			return options[def]
		}
		_, _ = fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}

// exhausted reports whether In has run dry, so loops over invalid answers
// end instead of spinning on EOF.
func (p *Prompter) exhausted() bool {
	return p.eof
}
