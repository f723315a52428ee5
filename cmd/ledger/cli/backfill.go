package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/rental-ledger/internal/backfill"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// Exit codes returned by BackfillCommand.
const (
	ExitOK      = 0
	ExitFailure = 1
	// ExitPartial reports a run that finished with item errors or was
	// cancelled before covering every document.
	ExitPartial = 10
)

// BackfillRunner executes one backfill run.
type BackfillRunner interface {
	Run(ctx context.Context, caller shared.Caller, req backfill.Request) (backfill.Result, error)
}

// BackfillCLI drives backfill runs from the command line.
type BackfillCLI struct {
	runner BackfillRunner
}

// NewBackfillCLI constructs the helper.
func NewBackfillCLI(runner BackfillRunner) (*BackfillCLI, error) {
	if runner == nil {
		return nil, errors.New("backfill cli: runner not configured")
	}
	return &BackfillCLI{runner: runner}, nil
}

// BackfillOptions configures BackfillCommand.
type BackfillOptions struct {
	Tenant     string
	Class      string
	Resume     bool
	From       string
	To         string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// BackfillSummary is the structured outcome of a command invocation.
type BackfillSummary struct {
	TenantID uuid.UUID         `json:"tenant_id"`
	Results  []backfill.Result `json:"results"`
	Totals   backfill.Totals   `json:"totals"`
}

// BackfillCommand runs one class, or every class when Class is empty or
// "all", and returns the process exit code.
func (c *BackfillCLI) BackfillCommand(ctx context.Context, opts BackfillOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	tenantID, err := uuid.Parse(strings.TrimSpace(opts.Tenant))
	if err != nil {
		fmt.Fprintf(opts.Stderr, "backfill: invalid --tenant %q (expected uuid)\n", opts.Tenant)
		return ExitFailure
	}
	classes, err := parseClasses(opts.Class)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "backfill: %v\n", err)
		return ExitFailure
	}
	from, err := parseDate("--from", opts.From)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "backfill: %v\n", err)
		return ExitFailure
	}
	to, err := parseDate("--to", opts.To)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "backfill: %v\n", err)
		return ExitFailure
	}

	caller := shared.SystemCaller(tenantID)
	summary := BackfillSummary{TenantID: tenantID, Results: []backfill.Result{}}
	for _, class := range classes {
		result, err := c.runner.Run(ctx, caller, backfill.Request{Class: class, Resume: opts.Resume, From: from, To: to})
		if err != nil {
			fmt.Fprintf(opts.Stderr, "backfill %s: %v\n", class, err)
			return ExitFailure
		}
		summary.Results = append(summary.Results, result)
		if result.Cancelled {
			break
		}
	}
	summary.Totals = backfill.Aggregate(summary.Results...)

	if err := writeBackfillOutput(opts, summary); err != nil {
		fmt.Fprintf(opts.Stderr, "backfill: %v\n", err)
		return ExitFailure
	}
	if summary.Totals.Errors > 0 || summary.Totals.Cancelled {
		return ExitPartial
	}
	return ExitOK
}

func parseClasses(raw string) ([]backfill.Class, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "all" {
		return backfill.Classes, nil
	}
	class, err := backfill.ParseClass(raw)
	if err != nil {
		return nil, err
	}
	return []backfill.Class{class}, nil
}

func parseDate(flag, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q (expected YYYY-MM-DD)", flag, raw)
	}
	return &t, nil
}

func writeBackfillOutput(opts BackfillOptions, summary BackfillSummary) error {
	if opts.JSONOutput {
		return json.NewEncoder(opts.Stdout).Encode(summary)
	}
	renderBackfillHuman(opts.Stdout, summary)
	return nil
}

func renderBackfillHuman(out io.Writer, summary BackfillSummary) {
	p := message.NewPrinter(language.English)
	p.Fprintf(out, "Backfill for tenant %s\n", summary.TenantID)
	for _, r := range summary.Results {
		p.Fprintf(out, " - %-16s processed %d created %d corrected %d skipped %d errors %d",
			r.Class, r.Processed, r.Created, r.Corrected, r.Skipped, len(r.Errors))
		if r.Cancelled && r.Checkpoint != nil {
			p.Fprintf(out, " (cancelled at %s/%s)", r.Checkpoint.Date.Format(time.DateOnly), r.Checkpoint.ID)
		} else if r.Cancelled {
			p.Fprintf(out, " (cancelled)")
		}
		fmt.Fprintln(out)
		for _, item := range r.Errors {
			fmt.Fprintf(out, "     %s: %s\n", item.DocumentID, item.Reason)
		}
	}
	t := summary.Totals
	p.Fprintf(out, "Total: %d document(s), %d created, %d corrected, %d skipped, %d error(s)\n",
		t.Processed, t.Created, t.Corrected, t.Skipped, t.Errors)
}
