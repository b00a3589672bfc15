package signer_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpx/internal/adapters/signer"
	"github.com/alejandrodnm/perpx/internal/domain"
)

func approveOp() domain.OperationDescriptor {
	return domain.OperationDescriptor{
		Kind:       domain.OpApprove,
		PipelineID: "p1",
		Amount:     decimal.NewFromInt(110),
	}
}

func TestConsole_Answers(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"  y  \n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
		{"y", true}, // sin salto de línea final
	}
	for _, tc := range cases {
		t.Run(strings.TrimSpace(tc.input), func(t *testing.T) {
			var out bytes.Buffer
			s := signer.NewConsole(strings.NewReader(tc.input), &out)

			ok, err := s.Authorize(context.Background(), approveOp())
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
			assert.Contains(t, out.String(), "approve the collateral vault to spend 110")
			assert.Contains(t, out.String(), "[y/N]")
		})
	}
}

func TestConsole_EOFRejects(t *testing.T) {
	s := signer.NewConsole(strings.NewReader(""), io.Discard)
	ok, err := s.Authorize(context.Background(), approveOp())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsole_SequentialPrompts(t *testing.T) {
	s := signer.NewConsole(strings.NewReader("y\nn\n"), io.Discard)

	first, err := s.Authorize(context.Background(), approveOp())
	require.NoError(t, err)
	second, err := s.Authorize(context.Background(), approveOp())
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestConsole_ContextCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := signer.NewConsole(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := s.Authorize(ctx, approveOp())
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsole_LateAnswerToCancelledPromptIsDiscarded(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := signer.NewConsole(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := s.Authorize(ctx, approveOp())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ok)

	// Respuesta tardía al prompt cancelado
	_, err = pw.Write([]byte("y\n"))
	require.NoError(t, err)

	res := make(chan bool, 1)
	go func() {
		ok, _ := s.Authorize(context.Background(), approveOp())
		res <- ok
	}()

	select {
	case <-res:
		t.Fatal("next prompt answered without new input")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = pw.Write([]byte("y\n"))
	require.NoError(t, err)
	select {
	case ok := <-res:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("no answer after new input")
	}
}

func TestConsole_CancelledPromptWithoutAnswer(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := signer.NewConsole(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Authorize(ctx, approveOp())
	require.ErrorIs(t, err, context.Canceled)

	// La primera línea cierra el prompt cancelado, la segunda responde al nuevo
	go func() {
		pw.Write([]byte("n\n"))
		pw.Write([]byte("y\n"))
	}()
	ok, err := s.Authorize(context.Background(), approveOp())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAutoApprove(t *testing.T) {
	ok, err := signer.AutoApprove{}.Authorize(context.Background(), approveOp())
	require.NoError(t, err)
	assert.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err = signer.AutoApprove{}.Authorize(ctx, approveOp())
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}
