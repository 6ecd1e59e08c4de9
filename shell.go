package fpgaboot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/shlex"
)

// Command is a shell built-in.
type Command struct {
	Name  string
	Usage string
	Help  string
	Run   func(ctx context.Context, w io.Writer, args []string) error
}

// errExit ends a session from a command.
var errExit = errors.New("exit")

// Shell is a line-oriented command interpreter served over one stream at a
// time.
type Shell struct {
	Prompt  string
	LineMax int  // longest accepted line in bytes
	Echo    bool // echo input back, serial terminals do not echo locally

	cmds map[string]Command
}

func NewShell(c ShellConfig) *Shell {
	s := &Shell{
		Prompt:  c.Prompt,
		LineMax: c.BufferSize,
		Echo:    c.Echo == nil || *c.Echo,
		cmds:    map[string]Command{},
	}
	s.Register(Command{
		Name: "help",
		Help: "list commands",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			return s.help(w)
		},
	})
	s.Register(Command{
		Name: "exit",
		Help: "end the session",
		Run: func(context.Context, io.Writer, []string) error {
			return errExit
		},
	})
	return s
}

func (s *Shell) Register(c Command) {
	s.cmds[c.Name] = c
}

func (s *Shell) help(w io.Writer) error {
	names := make([]string, 0, len(s.cmds))
	for name := range s.cmds {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c := s.cmds[name]
		usage := strings.TrimSpace(c.Name + " " + c.Usage)
		if _, err := fmt.Fprintf(w, "  %-24s %s\r\n", usage, c.Help); err != nil {
			return err
		}
	}
	return nil
}

// Serve runs the read-eval loop until the stream ends, Ctrl-D is received,
// exit is run or ctx is done. A closed stream is a normal end of session.
func (s *Shell) Serve(ctx context.Context, rw io.ReadWriter) error {
	r := bufio.NewReader(rw)
	w := bufio.NewWriter(rw)
	defer w.Flush()

	var afterCR bool
	for ctx.Err() == nil {
		if _, err := w.WriteString(s.Prompt); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}

		line, err := s.readLine(r, w, &afterCR)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		args, err := shlex.Split(line)
		if err != nil {
			fmt.Fprintf(w, "%v\r\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		c, ok := s.cmds[args[0]]
		if !ok {
			fmt.Fprintf(w, "%s?\r\n", args[0])
			continue
		}
		err = c.Run(ctx, w, args[1:])
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(w, "%s: %v\r\n", c.Name, err)
		}
	}
	return ctx.Err()
}

const (
	keyCtrlD     = 0x04
	keyBackspace = 0x08
	keyDelete    = 0x7f
)

// readLine reads one line with minimal editing. Bytes past LineMax are
// dropped. Ctrl-D on an empty line reports io.EOF. afterCR carries whether the
// previous line ended with CR, so the LF of a CRLF pair is skipped.
func (s *Shell) readLine(r *bufio.Reader, w *bufio.Writer, afterCR *bool) (string, error) {
	buf := make([]byte, 0, s.LineMax)
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == '\n' && *afterCR {
			*afterCR = false
			continue
		}
		*afterCR = false
		switch {
		case c == keyCtrlD:
			if len(buf) == 0 {
				return "", io.EOF
			}
		case c == keyBackspace || c == keyDelete:
			if len(buf) > 0 {
				buf = buf[:len(buf)-1]
				s.echo(w, "\b \b")
			}
		case c == '\r' || c == '\n':
			*afterCR = c == '\r'
			s.echo(w, "\r\n")
			return string(buf), nil
		case c < 0x20:
		case len(buf) < s.LineMax-1:
			buf = append(buf, c)
			s.echo(w, string(c))
		}
	}
}

func (s *Shell) echo(w *bufio.Writer, str string) {
	if !s.Echo {
		return
	}
	w.WriteString(str)
	w.Flush()
}
