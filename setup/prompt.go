package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/yllada/pia-tools/keyring"
)

// PromptCredentials fills the missing fields of c from in. The password is
// read without echo when in is a terminal.
func PromptCredentials(in io.Reader, out io.Writer, c keyring.Credentials) (keyring.Credentials, error) {
	r := bufio.NewReader(in)

	if c.Username == "" {
		fmt.Fprint(out, "Username: ")
		line, err := readLine(r)
		if err != nil {
			return c, fmt.Errorf("failed to read username: %w", err)
		}
		c.Username = line
	}

	if c.Password == "" {
		fmt.Fprint(out, "Password: ")
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return c, fmt.Errorf("failed to read password: %w", err)
			}
			c.Password = string(b)
		} else {
			line, err := readLine(r)
			if err != nil {
				return c, fmt.Errorf("failed to read password: %w", err)
			}
			c.Password = line
		}
	}

	if !c.Valid() {
		return c, errors.New("username and password are required")
	}
	return c, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
