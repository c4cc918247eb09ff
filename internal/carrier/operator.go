package carrier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// ErrNoOperator is returned when a manual step is needed but nobody can answer.
var ErrNoOperator = errors.New("no operator attached to the console")

// Operator lets a person finish a step the agent could not.
type Operator interface {
	// AwaitLogin blocks until the operator confirms they are logged in at loginURL.
	AwaitLogin(ctx context.Context, loginURL string) error
}

// ConsoleOperator prompts on out and waits for Enter on in.
type ConsoleOperator struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration
}

var _ Operator = (*ConsoleOperator)(nil)

// NewConsoleOperator returns an operator bound to the given streams. A zero
// timeout waits until ctx is done.
func NewConsoleOperator(in io.Reader, out io.Writer, timeout time.Duration) *ConsoleOperator {
	return &ConsoleOperator{in: in, out: out, timeout: timeout}
}

func (c *ConsoleOperator) AwaitLogin(ctx context.Context, loginURL string) error {
	if f, ok := c.in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return ErrNoOperator
	}

	rule := strings.Repeat("=", 60)
	fmt.Fprintln(c.out, rule)
	fmt.Fprintln(c.out, "MANUAL LOGIN REQUIRED")
	fmt.Fprintf(c.out, "In the browser window, log in at %s.\n", loginURL)
	fmt.Fprintln(c.out, "Complete any two-factor or extra verification and wait for the booking page.")
	if c.timeout > 0 {
		fmt.Fprintf(c.out, "Press ENTER here when done (waiting up to %s).\n", c.timeout)
	} else {
		fmt.Fprintln(c.out, "Press ENTER here when done.")
	}
	fmt.Fprintln(c.out, rule)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// A console read cannot be interrupted; on timeout the reader is left
	// behind until the next line or EOF.
	read := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(c.in).ReadString('\n')
		read <- err
	}()

	select {
	case err := <-read:
		if errors.Is(err, io.EOF) {
			return ErrNoOperator
		}
		if err != nil {
			return fmt.Errorf("reading operator confirmation: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for manual login: %w", ctx.Err())
	}
}
