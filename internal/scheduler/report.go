package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/notifier"
	"github.com/con-j-e/featsync/internal/utils"
)

const appName = "featsync"

// Rows renders the report as table rows.
func (r Report) Rows() [][]string {
	rows := make([][]string, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		status := "ok"
		if o.Err != nil {
			status = string(errs.CodeOf(o.Err))
			if status == "" {
				status = "error"
			}
		}
		edited, discrepancy := "-", "-"
		if o.Edit != nil {
			edited = fmt.Sprintf("-%d/+%d", o.Edit.FeaturesToDelete, o.Edit.FeaturesToAdd)
			discrepancy = strconv.Itoa(o.Edit.Discrepancy)
		}
		change := o.Change
		if change == "" {
			change = "-"
		}
		rows = append(rows, []string{o.Alias, string(o.Stage), strconv.Itoa(o.Features), change, edited, discrepancy, status})
	}
	return rows
}

func (r Report) Render() {
	utils.RenderTable("Sync report", []string{"Alias", "Stage", "Features", "Change", "Edited", "Discrepancy", "Status"}, r.Rows())
}

// Summary is one line per resource, for the closing box and the mail body.
func (r Report) Summary() []string {
	lines := make([]string, 0, len(r.Outcomes)+1)
	for _, o := range r.Outcomes {
		switch {
		case o.Err != nil:
			lines = append(lines, fmt.Sprintf("%s: failed at %s", o.Alias, o.Stage))
		case o.Edit != nil:
			lines = append(lines, fmt.Sprintf("%s: replaced %d with %d feature(s)", o.Alias, o.Edit.FeaturesToDelete, o.Edit.FeaturesToAdd))
		default:
			lines = append(lines, fmt.Sprintf("%s: %s", o.Alias, o.Change))
		}
	}
	if !r.Finished.IsZero() {
		lines = append(lines, "took "+r.Finished.Sub(r.Started).Truncate(time.Millisecond).String())
	}
	return lines
}

// Finish closes a run: it prints the summary, writes metrics and sends a
// notification when the run's worst severity reaches notify.level. It
// returns the exit status.
func (rt *Runtime) Finish(ctx context.Context, lines ...string) int {
	status := logger.ExitStatus()
	finished := time.Now()

	rt.Metrics.ObserveRun(status, rt.Started, finished)
	if err := rt.Metrics.WriteTextfile(rt.Config.Metrics.Textfile); err != nil {
		logger.Warn("%v", err)
		status = logger.ExitStatus()
	}

	notifier.DisplayRunSummary(logger.Out(), status, lines...)

	if rt.Notifier == nil {
		return status
	}
	threshold, err := notifier.ParseLevel(rt.Config.Notify.Level)
	if err != nil {
		logger.Warn("%v", err)
		threshold = logger.StatusError
	}
	if status < threshold {
		return status
	}

	var body strings.Builder
	for _, l := range lines {
		body.WriteString(utils.StripANSI(l))
		body.WriteByte('\n')
	}
	if d := logger.Digest(); d != "" {
		body.WriteString("\n")
		body.WriteString(d)
	}
	if err := rt.Notifier.Send(ctx, notifier.Subject(appName, status), body.String(), rt.Config.Notify.Recipients); err != nil {
		logger.LogError("%v", err)
		return logger.ExitStatus()
	}
	return status
}
