package carrier

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleOperator_AwaitLogin(t *testing.T) {
	t.Run("Enter confirms", func(t *testing.T) {
		var out bytes.Buffer
		op := NewConsoleOperator(strings.NewReader("\n"), &out, time.Minute)

		require.NoError(t, op.AwaitLogin(context.Background(), "https://www.maersk.com/book/"))
		assert.Contains(t, out.String(), "MANUAL LOGIN REQUIRED")
		assert.Contains(t, out.String(), "https://www.maersk.com/book/")
		assert.Contains(t, out.String(), "waiting up to 1m0s")
	})

	t.Run("Closed input means nobody is there", func(t *testing.T) {
		op := NewConsoleOperator(strings.NewReader(""), io.Discard, 0)
		assert.ErrorIs(t, op.AwaitLogin(context.Background(), "https://www.maersk.com/book/"), ErrNoOperator)
	})

	t.Run("Timeout", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		op := NewConsoleOperator(r, io.Discard, 10*time.Millisecond)

		err := op.AwaitLogin(context.Background(), "https://www.maersk.com/book/")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("Canceled context", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close()
		op := NewConsoleOperator(r, io.Discard, 0)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, op.AwaitLogin(ctx, "https://www.maersk.com/book/"), context.Canceled)
	})
}
