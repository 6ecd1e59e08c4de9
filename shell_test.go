package fpgaboot

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type rw struct {
	io.Reader
	strings.Builder
}

func newTestShell(echo bool) *Shell {
	s := NewShell(ShellConfig{Prompt: "> ", BufferSize: 16, Echo: &echo})
	s.Register(Command{
		Name:  "args",
		Usage: "[arg...]",
		Help:  "print arguments",
		Run: func(_ context.Context, w io.Writer, args []string) error {
			_, err := io.WriteString(w, strings.Join(args, "|")+"\r\n")
			return err
		},
	})
	s.Register(Command{
		Name: "fail",
		Run: func(context.Context, io.Writer, []string) error {
			return errors.New("boom")
		},
	})
	return s
}

func serve(t *testing.T, s *Shell, input string) string {
	t.Helper()
	stream := &rw{Reader: strings.NewReader(input)}
	if err := s.Serve(context.Background(), stream); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return stream.String()
}

func TestShell(t *testing.T) {
	for _, tc := range []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "> "},
		{"exit", "exit\rargs a\r", "> "},
		{"args", "args a b\r", "> a|b\r\n> "},
		{"quoted", "args 'a b' \"c\"\r", "> a b|c\r\n> "},
		{"crlf", "args a\r\nargs b\r\n", "> a\r\n> b\r\n> "},
		{"lf", "args a\nargs b\n", "> a\r\n> b\r\n> "},
		{"blank", "\r\r", "> > > "},
		{"unknown", "nope\r", "> nope?\r\n> "},
		{"error", "fail\r", "> fail: boom\r\n> "},
		{"backspace", "argz\bs x\r", "> x\r\n> "},
		{"delete", "args xy\x7f\r", "> x\r\n> "},
		{"control", "ar\x01gs x\r", "> x\r\n> "},
		{"ctrl-d", "\x04args x\r", "> "},
		{"ctrl-d mid line", "args x\x04\r", "> x\r\n> "},
		{"truncate", "args 0123456789abcdef\r", "> 0123456789\r\n> "},
		{"unterminated quote", "args 'a\r", "> EOF found when expecting closing quote\r\n> "},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := serve(t, newTestShell(false), tc.input); got != tc.want {
				t.Fatalf("output = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestShellEcho(t *testing.T) {
	got := serve(t, newTestShell(true), "argx\bs y\r")
	want := "> argx\b \bs y\r\ny\r\n> "
	if got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestShellHelp(t *testing.T) {
	got := serve(t, newTestShell(false), "help\r")
	for _, want := range []string{
		"  args [arg...]",
		"print arguments\r\n",
		"  exit                     end the session\r\n",
		"  help                     list commands\r\n",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("help missing %q:\n%s", want, got)
		}
	}
	if strings.Index(got, "args") > strings.Index(got, "exit") {
		t.Error("commands not sorted")
	}
}

func TestShellCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestShell(false)
	s.Register(Command{
		Name: "stop",
		Run: func(context.Context, io.Writer, []string) error {
			cancel()
			return nil
		},
	})
	stream := &rw{Reader: strings.NewReader("stop\rargs x\r")}
	if err := s.Serve(ctx, stream); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve() = %v, want context.Canceled", err)
	}
	if strings.Contains(stream.String(), "x\r\n") {
		t.Fatal("command ran after cancel")
	}
}
