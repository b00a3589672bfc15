package notify

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpx/internal/domain"
)

// Console imprime el progreso del pipeline y las posiciones.
type Console struct {
	out   io.Writer
	table bool

	mu   sync.Mutex
	last string // última línea compacta, evita repetir el mismo estado
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// PipelineChanged prints one line per observable change. In table mode the
// step table is printed again when the pipeline reaches a terminal state.
// It is safe to use as a Coordinator subscriber.
func (c *Console) PipelineChanged(v domain.PipelineView) {
	line := compactLine(v)

	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.last {
		return
	}
	c.last = line
	fmt.Fprintf(c.out, "[%s] %s\n", time.Now().Format("15:04:05"), line)

	if v.ManualResetAvailable {
		fmt.Fprintln(c.out, "  transaction looks stuck, press Ctrl+C to reset")
	}
	for _, r := range v.Abandoned {
		fmt.Fprintf(c.out, "  ! %s %s was submitted and may still confirm\n", r.Step, r.Handle)
	}
	if c.table && v.Pipeline.Status.IsTerminal() {
		c.printSteps(v.Pipeline)
	}
}

// PrintPipeline prints the step table of p under a one-line header.
func (c *Console) PrintPipeline(p domain.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n── PIPELINE %s %s ──\n", shortID(p.ID), p.Status)
	c.printSteps(p)
}

func (c *Console) printSteps(p domain.Pipeline) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Step", "Status", "Tx", "Amount", "Error")
	for i, r := range p.Steps {
		amount := ""
		if !r.Amount.IsZero() {
			amount = r.Amount.String()
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = fmt.Sprintf("%s: %s", r.Err.Kind, truncate(r.Err.Message, 40))
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			string(r.Step),
			string(r.Status),
			shortHash(string(r.Handle)),
			amount,
			errMsg,
		)
	}
	table.Render()
}

// PrintPositions imprime la tabla de posiciones abiertas.
func (c *Console) PrintPositions(positions []domain.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n── OPEN POSITIONS (%d) ──\n", len(positions))
	if len(positions) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Side", "Collateral", "Lev", "Size", "Entry", "Current", "Liq", "PnL", "PnL%", "Tx")
	total := decimal.Zero
	for _, p := range positions {
		table.Append(
			p.MarketName,
			strings.ToUpper(string(p.Side)),
			usd(p.Collateral),
			fmt.Sprintf("%dx", p.Leverage),
			usd(p.Size),
			usd(p.EntryPrice),
			usd(p.CurrentPrice),
			usd(p.LiquidationPrice),
			signedUSD(p.PnL),
			p.PnLPercent.StringFixed(2)+"%",
			shortHash(p.TxHash),
		)
		total = total.Add(p.PnL)
	}
	table.Render()
	fmt.Fprintf(c.out, "  Total PnL: %s\n", signedUSD(total))
}

// PrintHistory imprime los últimos pipelines guardados.
func (c *Console) PrintHistory(runs []domain.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n── PIPELINE HISTORY (%d) ──\n", len(runs))
	if len(runs) == 0 {
		fmt.Fprintln(c.out, "  (none)")
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Started", "ID", "Market", "Side", "Collateral", "Lev", "Status", "Duration", "Error")
	var ok, failed, reset int
	for _, p := range runs {
		switch p.Status {
		case domain.StatusSuccess:
			ok++
		case domain.StatusFailed:
			failed++
		case domain.StatusReset:
			reset++
		}
		dur := ""
		if p.FinishedAt != nil {
			dur = p.FinishedAt.Sub(p.StartedAt).Round(time.Second).String()
		}
		errMsg := ""
		if p.Err != nil {
			errMsg = fmt.Sprintf("%s@%s: %s", p.Err.Kind, p.Err.Step, truncate(p.Err.Message, 30))
		}
		table.Append(
			p.StartedAt.Local().Format("01-02 15:04:05"),
			shortID(p.ID),
			domain.MarketNameFor(p.Request.Market),
			string(p.Request.Side),
			usd(p.Request.Collateral),
			fmt.Sprintf("%dx", p.Request.Leverage),
			string(p.Status),
			dur,
			errMsg,
		)
	}
	table.Render()
	fmt.Fprintf(c.out, "  success: %d | failed: %d | reset: %d\n", ok, failed, reset)
}

// PrintAbandoned lista operaciones enviadas por pipelines reseteados, que
// pueden haberse confirmado en el ledger después del reset.
func (c *Console) PrintAbandoned(steps []domain.StepRecord) {
	if len(steps) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n── ABANDONED OPERATIONS (%d) ──\n", len(steps))
	table := tablewriter.NewWriter(c.out)
	table.Header("Submitted", "Step", "Tx", "Amount")
	for _, r := range steps {
		submitted := ""
		if r.SubmittedAt != nil {
			submitted = r.SubmittedAt.Local().Format("01-02 15:04:05")
		}
		amount := ""
		if !r.Amount.IsZero() {
			amount = r.Amount.String()
		}
		table.Append(submitted, string(r.Step), string(r.Handle), amount)
	}
	table.Render()
	fmt.Fprintln(c.out, "  check them on the explorer before retrying")
}

// --- helpers ---

func compactLine(v domain.PipelineView) string {
	p := v.Pipeline
	var sb strings.Builder
	fmt.Fprintf(&sb, "pipeline %s %s", shortID(p.ID), p.Status)
	if p.CurrentStep != domain.StepNone {
		r := p.Record(p.CurrentStep)
		fmt.Fprintf(&sb, " → %s %s", p.CurrentStep, r.Status)
		if r.Handle != "" {
			fmt.Fprintf(&sb, " tx %s", shortHash(string(r.Handle)))
		}
	}
	if p.Status == domain.StatusSuccess {
		fmt.Fprintf(&sb, " in %s", v.Elapsed.Round(time.Millisecond))
	}
	if v.LastError != nil {
		fmt.Fprintf(&sb, " | %s: %s", v.LastError.Kind, v.LastError.Message)
	}
	return sb.String()
}

func usd(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

func signedUSD(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "+$" + d.StringFixed(2)
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:8] + "…" + h[len(h)-4:]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
