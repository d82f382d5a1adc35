package hooks

import (
	"fmt"

	"provisioner/internal/action"
	"provisioner/internal/vars"
)

// SudoPassword returns the password sudo should read from stdin, if the run
// supplied one.
func SudoPassword(b *vars.Bindings) string {
	if pw := b.Get("sudo_password"); pw != "" {
		return pw
	}
	return b.Get("password")
}

// WrapSudo runs line as root through sh. With a password sudo reads it from
// stdin without prompting; without one sudo must not prompt at all. env is
// applied inside sudo since sudo resets the environment.
func WrapSudo(line string, env map[string]string, password string) string {
	inner := line
	if len(env) > 0 {
		inner = action.EnvPrefix(env) + "sh -c " + action.ShellQuote(line)
	}
	if password != "" {
		return fmt.Sprintf("printf '%%s\\n' %s | sudo -S -p '' sh -c %s", action.ShellQuote(password), action.ShellQuote(inner))
	}
	return "sudo -n sh -c " + action.ShellQuote(inner)
}
