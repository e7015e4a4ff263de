package console

import "testing"

func newTestConsole() *Console {
	c := New()
	c.RegisterCvar("sv_tickrate", Int(64), "Server tick rate", 0)
	c.RegisterCvar("cl_interp", Float(0.1), "Interpolation delay", 0)
	c.RegisterCvar("sv_cheats", Bool(false), "Allow cheat commands", FlagReplicated)
	c.RegisterCvar("name", String("Player"), "Player name", FlagArchive)
	return c
}

func TestCvarSetAndGet(t *testing.T) {
	c := newTestConsole()
	if _, err := c.Exec("sv_tickrate 128"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	cv, _ := c.Get("sv_tickrate")
	if n, ok := cv.Value.Int(); !ok || n != 128 {
		t.Errorf("got %v, want 128", cv.Value)
	}
}

func TestCvarQuery(t *testing.T) {
	c := newTestConsole()
	out, err := c.Exec("cl_interp")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d lines, want 1", len(out))
	}
}

func TestCvarTypeChecked(t *testing.T) {
	c := newTestConsole()
	if _, err := c.Exec("sv_tickrate fast"); err == nil {
		t.Error("expected error setting int cvar to a word")
	}
	if _, err := c.Exec("sv_cheats maybe"); err == nil {
		t.Error("expected error setting bool cvar to a word")
	}
	if err := c.Set("sv_cheats", "1"); err != nil {
		t.Errorf("set bool via 1: %v", err)
	}
	cv, _ := c.Get("sv_cheats")
	if !cv.Value.Bool() {
		t.Error("sv_cheats should be true")
	}
}

func TestStringCvarKeepsSpaces(t *testing.T) {
	c := newTestConsole()
	if _, err := c.Exec("name The Player"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	cv, _ := c.Get("name")
	if cv.Value.String() != "The Player" {
		t.Errorf("got %q, want %q", cv.Value.String(), "The Player")
	}
}

func TestCommandDispatch(t *testing.T) {
	c := newTestConsole()
	var gotArgs []string
	c.RegisterCommand("echo", func(args []string) ([]string, error) {
		gotArgs = args
		return []string{"ok"}, nil
	})
	out, err := c.Exec("echo a b c")
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(out) != 1 || out[0] != "ok" {
		t.Errorf("got %v", out)
	}
	if len(gotArgs) != 3 || gotArgs[0] != "a" || gotArgs[2] != "c" {
		t.Errorf("args: got %v", gotArgs)
	}
}

func TestUnknownCommand(t *testing.T) {
	c := newTestConsole()
	if _, err := c.Exec("warp_drive on"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestEmptyLineNoop(t *testing.T) {
	c := newTestConsole()
	out, err := c.Exec("   ")
	if err != nil || out != nil {
		t.Errorf("got %v, %v; want nil, nil", out, err)
	}
	if len(c.History()) != 0 {
		t.Error("empty line should not enter history")
	}
}

func TestHistory(t *testing.T) {
	c := newTestConsole()
	c.Exec("sv_tickrate 100") //nolint:errcheck
	c.Exec("cl_interp")       //nolint:errcheck
	h := c.History()
	if len(h) != 2 || h[0] != "sv_tickrate 100" || h[1] != "cl_interp" {
		t.Errorf("history: got %v", h)
	}
}

func TestValueCoercions(t *testing.T) {
	if n, ok := Float(2.9).Int(); !ok || n != 2 {
		t.Errorf("float->int: got %d, %v", n, ok)
	}
	if f, ok := Int(3).Float(); !ok || f != 3 {
		t.Errorf("int->float: got %v, %v", f, ok)
	}
	if !String("yes").Bool() || String("false").Bool() || String("0").Bool() || String("").Bool() {
		t.Error("string truthiness wrong")
	}
	if n, ok := String("42").Int(); !ok || n != 42 {
		t.Errorf("string->int: got %d, %v", n, ok)
	}
}
