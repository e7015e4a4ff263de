// Package console is the cvar/command façade behind both executables'
// interactive consoles. Commands the server and client do not handle
// themselves (map, status, quit, ...) are delegated here: `name value`
// sets a cvar, a bare `name` prints it, and registered commands run with
// their arguments.
package console

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Flags describe cvar behavior. The console stores them on each cvar but
// does not act on them: Set and Exec change a value whatever its flags.
type Flags uint32

const (
	// FlagArchive marks a cvar saved to the user config.
	FlagArchive Flags = 1 << iota
	// FlagCheat requires sv_cheats to change.
	FlagCheat
	// FlagReplicated is pushed server → client.
	FlagReplicated
	// FlagServerOnly hides the cvar from clients.
	FlagServerOnly
)

// Value is a typed cvar value.
type Value struct {
	kind byte // 'i', 'f', 's', 'b'
	i    int64
	f    float64
	s    string
	b    bool
}

// Int builds an integer value.
func Int(v int64) Value { return Value{kind: 'i', i: v} }

// Float builds a float value.
func Float(v float64) Value { return Value{kind: 'f', f: v} }

// String builds a string value.
func String(v string) Value { return Value{kind: 's', s: v} }

// Bool builds a boolean value.
func Bool(v bool) Value { return Value{kind: 'b', b: v} }

// Int returns the value coerced to an integer; ok is false when the value
// has no integer reading.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case 'i':
		return v.i, true
	case 'f':
		return int64(v.f), true
	case 'b':
		if v.b {
			return 1, true
		}
		return 0, true
	case 's':
		n, err := strconv.ParseInt(v.s, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the value coerced to a float.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case 'f':
		return v.f, true
	case 'i':
		return float64(v.i), true
	case 's':
		f, err := strconv.ParseFloat(v.s, 64)
		return f, err == nil
	}
	return 0, false
}

// Bool returns the truthiness of the value.
func (v Value) Bool() bool {
	switch v.kind {
	case 'b':
		return v.b
	case 'i':
		return v.i != 0
	case 'f':
		return v.f != 0
	case 's':
		return v.s != "" && v.s != "0" && !strings.EqualFold(v.s, "false")
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case 'i':
		return strconv.FormatInt(v.i, 10)
	case 'f':
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case 'b':
		return strconv.FormatBool(v.b)
	default:
		return v.s
	}
}

// parseAs interprets raw with the same type as the current value.
func (v Value) parseAs(raw string) (Value, error) {
	switch v.kind {
	case 'i':
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not an integer: %q", raw)
		}
		return Int(n), nil
	case 'f':
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("not a number: %q", raw)
		}
		return Float(f), nil
	case 'b':
		switch strings.ToLower(raw) {
		case "1", "true", "on", "yes":
			return Bool(true), nil
		case "0", "false", "off", "no":
			return Bool(false), nil
		}
		return Value{}, fmt.Errorf("not a boolean: %q", raw)
	default:
		return String(raw), nil
	}
}

// Cvar is a registered console variable.
type Cvar struct {
	Name        string
	Value       Value
	Default     Value
	Description string
	Flags       Flags
}

// CommandFunc executes a registered command and returns its output lines.
type CommandFunc func(args []string) ([]string, error)

// Console holds cvars, commands, and input history.
type Console struct {
	cvars    map[string]*Cvar
	commands map[string]CommandFunc
	history  []string
}

// New returns an empty console.
func New() *Console {
	return &Console{
		cvars:    make(map[string]*Cvar),
		commands: make(map[string]CommandFunc),
	}
}

// RegisterCvar adds a variable with its default value.
func (c *Console) RegisterCvar(name string, def Value, description string, flags Flags) {
	c.cvars[name] = &Cvar{
		Name:        name,
		Value:       def,
		Default:     def,
		Description: description,
		Flags:       flags,
	}
}

// RegisterCommand adds a named command.
func (c *Console) RegisterCommand(name string, fn CommandFunc) {
	c.commands[name] = fn
}

// Get returns a cvar by name.
func (c *Console) Get(name string) (*Cvar, bool) {
	cv, ok := c.cvars[name]
	return cv, ok
}

// Set parses raw with the cvar's type and stores it.
func (c *Console) Set(name, raw string) error {
	cv, ok := c.cvars[name]
	if !ok {
		return fmt.Errorf("unknown cvar %q", name)
	}
	v, err := cv.Value.parseAs(raw)
	if err != nil {
		return err
	}
	cv.Value = v
	return nil
}

// Exec runs one console line: a registered command, a cvar set, or a cvar
// query. Empty lines are no-ops. Unknown names are errors.
func (c *Console) Exec(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	c.history = append(c.history, line)

	tokens := strings.Fields(line)
	name := tokens[0]

	if fn, ok := c.commands[name]; ok {
		return fn(tokens[1:])
	}
	if cv, ok := c.cvars[name]; ok {
		if len(tokens) == 1 {
			return []string{fmt.Sprintf("%q = %q (default %q) - %s", cv.Name, cv.Value.String(), cv.Default.String(), cv.Description)}, nil
		}
		if err := c.Set(name, strings.Join(tokens[1:], " ")); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("%s set to %q", cv.Name, cv.Value.String())}, nil
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

// History returns executed lines, oldest first.
func (c *Console) History() []string {
	return c.history
}

// Cvars returns the registered cvar names, sorted.
func (c *Console) Cvars() []string {
	names := make([]string, 0, len(c.cvars))
	for name := range c.cvars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
