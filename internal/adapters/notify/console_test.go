package notify_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/perpx/internal/adapters/notify"
	"github.com/alejandrodnm/perpx/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func makeRequest() domain.PositionRequest {
	return domain.PositionRequest{
		Market:         "0xf8c4ea0762fa9f8c87aea45bc37b1f3f2e66bdaa",
		Side:           domain.SideLong,
		Collateral:     dec("100"),
		Leverage:       10,
		ReferencePrice: dec("91000"),
	}
}

func TestConsole_PipelineChanged_Compact(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	p := domain.NewPipeline("0123456789abcdef", makeRequest(), time.Now())
	p.CurrentStep = domain.StepEnsureAllowance
	p.Record(domain.StepEnsureAllowance).Status = domain.StepPending
	p.Record(domain.StepEnsureAllowance).Handle = "0xabcdef0123456789abcdef"

	v := domain.PipelineView{Pipeline: *p}
	n.PipelineChanged(v)
	n.PipelineChanged(v) // mismo estado, no se repite

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "pipeline 01234567 RUNNING")
	assert.Contains(t, out, "ensure_allowance PENDING")
	assert.Contains(t, out, "0xabcdef…cdef")
}

func TestConsole_PipelineChanged_FailedTable(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	p := domain.NewPipeline("run-1", makeRequest(), time.Now())
	pe := domain.NewPipelineError(domain.StepPriceUpdate, domain.ErrSignerRejected)
	p.Steps[0].Status = domain.StepFailed
	p.Steps[0].Err = pe
	p.Status = domain.StatusFailed
	p.Err = pe

	n.PipelineChanged(domain.PipelineView{Pipeline: *p, LastError: pe})

	out := buf.String()
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "signer_rejected: Transaction rejected by user")
	assert.Contains(t, strings.ToUpper(out), "STEP")
	assert.Contains(t, out, "NOT_STARTED")
}

func TestConsole_PipelineChanged_StuckAndAbandoned(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	p := domain.NewPipeline("run-2", makeRequest(), time.Now())
	n.PipelineChanged(domain.PipelineView{Pipeline: *p, ManualResetAvailable: true})
	assert.Contains(t, buf.String(), "Ctrl+C")

	p.Status = domain.StatusReset
	n.PipelineChanged(domain.PipelineView{
		Pipeline:  *p,
		Abandoned: []domain.StepRecord{{Step: domain.StepEnsureAllowance, Handle: "0xfeed"}},
	})
	assert.Contains(t, buf.String(), "ensure_allowance 0xfeed was submitted and may still confirm")
}

func TestConsole_PrintPositions(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	pos := domain.NewPosition("p1", "0xuser", "BTC/USD", makeRequest(), "0xhash", time.Now()).MarkToMarket(dec("90090"))
	n.PrintPositions([]domain.Position{pos})

	out := buf.String()
	assert.Contains(t, out, "BTC/USD")
	assert.Contains(t, out, "LONG")
	assert.Contains(t, out, "10x")
	assert.Contains(t, out, "$81900.00")
	assert.Contains(t, out, "-$10.00")
	assert.Contains(t, out, "-10.00%")
}

func TestConsole_PrintPositions_Empty(t *testing.T) {
	var buf bytes.Buffer
	notify.NewConsoleWriter(&buf, true).PrintPositions(nil)
	assert.Contains(t, buf.String(), "(none)")
}

func TestConsole_PrintHistory(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	start := time.Now().Add(-time.Minute)
	end := start.Add(42 * time.Second)
	ok := domain.NewPipeline("ok-run", makeRequest(), start)
	ok.Status = domain.StatusSuccess
	ok.FinishedAt = &end
	reset := domain.NewPipeline("reset-run", makeRequest(), start)
	reset.Status = domain.StatusReset
	reset.Err = domain.NewPipelineError(domain.StepEnsureAllowance, domain.ErrTimedOut)

	n.PrintHistory([]domain.Pipeline{*ok, *reset})

	out := buf.String()
	assert.Contains(t, out, "42s")
	assert.Contains(t, out, "timed_out@ensure_allowance")
	assert.Contains(t, out, "success: 1 | failed: 0 | reset: 1")
}

func TestConsole_PrintAbandoned(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, true)

	n.PrintAbandoned(nil)
	assert.Empty(t, buf.String())

	at := time.Now()
	n.PrintAbandoned([]domain.StepRecord{{
		Step:        domain.StepEnsureAllowance,
		Status:      domain.StepPending,
		Handle:      "0xfeedbeef",
		Amount:      dec("110"),
		SubmittedAt: &at,
	}})
	out := buf.String()
	assert.Contains(t, out, "ABANDONED OPERATIONS (1)")
	assert.Contains(t, out, "0xfeedbeef")
	assert.Contains(t, out, "110")
}

func TestConsole_PrintPipeline(t *testing.T) {
	var buf bytes.Buffer
	n := notify.NewConsoleWriter(&buf, false)

	p := domain.NewPipeline("0123456789abcdef", domain.PositionRequest{Collateral: dec("100"), Leverage: 10}, time.Now())
	p.Status = domain.StatusFailed
	p.Steps[0].Status = domain.StepConfirmed
	p.Steps[0].Handle = "0xabcdef0123456789"
	p.Steps[1].Status = domain.StepFailed
	p.Steps[1].Err = domain.NewPipelineError(domain.StepEnsureAllowance, domain.ErrSignerRejected)

	n.PrintPipeline(*p)
	out := buf.String()
	assert.Contains(t, out, "PIPELINE")
	assert.Contains(t, out, string(domain.StatusFailed))
	assert.Contains(t, out, string(domain.StepConfirmed))
	assert.Contains(t, out, string(domain.KindSignerRejected))
}
