package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"jobkeeper/internal/app"
)

const timeLayout = "2006-01-02 15:04:05 MST"

func fmtTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderTable(w io.Writer, data pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

func renderJobList(w io.Writer, list []app.JobStatus) error {
	data := pterm.TableData{{"ID", "NAME", "TYPE", "SCHEDULE", "ENABLED", "LOADED", "FAILURES", "LAST RUN", "NEXT RUN"}}
	for _, st := range list {
		next := "-"
		if st.Active && !st.NextRun.IsZero() {
			next = fmtTime(&st.NextRun)
		}
		data = append(data, []string{
			st.JobID,
			st.JobName,
			string(st.ScheduleType),
			st.ScheduleValue,
			yesNo(st.Enabled),
			yesNo(st.Loaded),
			strconv.Itoa(st.ConsecutiveFailures) + "/" + strconv.Itoa(st.MaxConsecutiveFailures),
			fmtTime(st.LastRunAt),
			next,
		})
	}
	return renderTable(w, data)
}

func renderJobStatus(w io.Writer, st app.JobStatus) error {
	timer, next := "-", "-"
	if st.Active {
		next = fmtTime(&st.NextRun)
	}
	if st.Armed {
		timer = st.TimerSpec
		if st.Coarsened {
			timer += " (coarsened)"
		}
		if !st.Active {
			timer += " (paused)"
		}
	}
	data := pterm.TableData{
		{"FIELD", "VALUE"},
		{"id", st.JobID},
		{"name", st.JobName},
		{"schedule", string(st.ScheduleType) + " " + st.ScheduleValue},
		{"timer", timer},
		{"enabled", yesNo(st.Enabled)},
		{"loaded", yesNo(st.Loaded)},
		{"running", strconv.Itoa(st.Running)},
		{"consecutive failures", strconv.Itoa(st.ConsecutiveFailures) + "/" + strconv.Itoa(st.MaxConsecutiveFailures)},
		{"auto retry on startup", yesNo(st.AutoRetryOnStartup)},
		{"last run", fmtTime(st.LastRunAt)},
		{"last success", fmtTime(st.LastSuccessfulRun)},
		{"last attempt", fmtTime(st.LastAttemptedRun)},
		{"next run", next},
		{"created", fmtTime(&st.CreatedAt)},
		{"updated", fmtTime(&st.UpdatedAt)},
	}
	if len(st.Metadata) > 0 {
		data = append(data, []string{"metadata", fmtMeta(st.Metadata)})
	}
	return renderTable(w, data)
}

func renderExecutions(w io.Writer, recs []app.ExecutionRecord) error {
	data := pterm.TableData{{"STARTED", "STATUS", "DURATION", "PROCESSED", "ERROR", "ID"}}
	for _, r := range recs {
		processed := "-"
		if v, ok := r.Metadata["records_processed"]; ok {
			processed = fmt.Sprint(v)
		}
		data = append(data, []string{
			fmtTime(&r.StartedAt),
			string(r.Status),
			strconv.FormatFloat(r.DurationSeconds, 'f', 3, 64) + "s",
			processed,
			truncate(r.ErrorMessage, 60),
			r.ID,
		})
	}
	return renderTable(w, data)
}

func fmtMeta(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fmt.Sprint(m[k]))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
