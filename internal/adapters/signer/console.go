// Package signer contiene los firmantes humanos que autorizan cada operación
// antes de que el ledger la firme.
package signer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/alejandrodnm/perpx/internal/domain"
)

// Console asks for a y/N confirmation on a terminal for every operation.
type Console struct {
	mu   sync.Mutex
	in   *bufio.Reader
	out  io.Writer
	once sync.Once
	ch   chan answer

	// abandoned: un prompt se canceló sin respuesta; la próxima línea le
	// pertenece a él y no al prompt actual.
	abandoned bool
}

// NewConsole builds a prompt reading answers from in and writing prompts to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out, ch: make(chan answer, 1)}
}

type answer struct {
	line string
	err  error
}

// readLoop es el único lector de in, así dos prompts nunca leen a la vez.
func (c *Console) readLoop() {
	for {
		line, err := c.in.ReadString('\n')
		c.ch <- answer{line: line, err: err}
		if err != nil {
			close(c.ch)
			return
		}
	}
}

// Authorize muestra la operación y espera la respuesta. Solo "y" o "yes" firman.
// Cancelar ctx abandona la espera; la primera línea que llegue después se
// descarta y el prompt siguiente se vuelve a mostrar.
func (c *Console) Authorize(ctx context.Context, op domain.OperationDescriptor) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.once.Do(func() { go c.readLoop() })

	c.prompt(op)

	for {
		select {
		case <-ctx.Done():
			c.abandoned = true
			fmt.Fprintln(c.out)
			return false, fmt.Errorf("signer.Authorize: %w", ctx.Err())
		case a, open := <-c.ch:
			if !open {
				slog.Warn("signer: stdin closed, rejecting", "op", op.Kind)
				return false, nil
			}
			if c.abandoned {
				c.abandoned = false
				if a.line != "" {
					slog.Warn("signer: discarding answer to a cancelled prompt", "op", op.Kind, "pipeline", op.PipelineID)
					fmt.Fprintln(c.out, "\n  (answer to a cancelled prompt ignored)")
					c.prompt(op)
					continue
				}
			}
			if a.err != nil && a.line == "" {
				if a.err == io.EOF {
					slog.Warn("signer: stdin closed, rejecting", "op", op.Kind)
					return false, nil
				}
				return false, fmt.Errorf("signer.Authorize: read: %w", a.err)
			}
			ok := isYes(a.line)
			slog.Debug("signer: answer", "op", op.Kind, "pipeline", op.PipelineID, "approved", ok)
			return ok, nil
		}
	}
}

func (c *Console) prompt(op domain.OperationDescriptor) {
	fmt.Fprintf(c.out, "\n  sign: %s\n  confirm? [y/N] ", op.Summary())
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "s", "si", "sí":
		return true
	}
	return false
}

// AutoApprove firma todo sin preguntar. Solo para paper y scripts (-yes).
type AutoApprove struct{}

func (AutoApprove) Authorize(ctx context.Context, op domain.OperationDescriptor) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	slog.Debug("signer: auto-approved", "op", op.Kind, "pipeline", op.PipelineID)
	return true, nil
}
