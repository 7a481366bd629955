package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

// ErrNoPassword is returned when no credential source yields a password and
// prompting is disabled. Drivers may still connect (trust auth, sqlite).
var ErrNoPassword = errors.New("no password configured")

// passwordCommandTimeout bounds password_command execution.
const passwordCommandTimeout = 5 * time.Second

// promptFunc reads a hidden password from the terminal. Swapped in tests.
var promptFunc = promptForPassword

// ResolvePassword resolves the profile's database password using the following
// precedence:
// 1. Execute password_command if configured
// 2. Use the password_env environment variable if set
// 3. Use the literal password
// 4. Prompt interactively when prompt is enabled
func (p *Profile) ResolvePassword(ctx context.Context) (string, error) {
	if p.PasswordCommand != "" {
		password, err := executePasswordCommand(ctx, p.PasswordCommand)
		if err != nil {
			return "", fmt.Errorf("password command failed: %w", err)
		}
		return password, nil
	}

	if p.PasswordEnv != "" {
		if v, ok := os.LookupEnv(p.PasswordEnv); ok {
			return v, nil
		}
	}

	if p.Password != "" {
		return p.Password, nil
	}

	if p.Prompt {
		password, err := promptFunc(fmt.Sprintf("Password for %s: ", p.ID()))
		if err != nil {
			return "", fmt.Errorf("interactive password prompt failed: %w", err)
		}
		return password, nil
	}

	return "", ErrNoPassword
}

// SecretPassword resolves the SSH password for password auth.
func (t *TunnelSpec) SecretPassword() string {
	if t.PasswordEnv != "" {
		if v, ok := os.LookupEnv(t.PasswordEnv); ok {
			return v
		}
	}
	return t.Password
}

// executePasswordCommand runs command with a 5-second timeout and returns its
// trimmed stdout.
func executePasswordCommand(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, passwordCommandTimeout)
	defer cancel()

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", fmt.Errorf("empty password command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %s", passwordCommandTimeout)
		}
		return "", fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	password := strings.TrimSpace(stdout.String())
	if password == "" {
		return "", fmt.Errorf("command returned empty password")
	}
	return password, nil
}

// promptForPassword prompts on stderr and reads with hidden input.
func promptForPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(os.Stderr)

	password := string(passwordBytes)
	if password == "" {
		return "", fmt.Errorf("empty password entered")
	}
	return password, nil
}
