package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/queue"
)

const previewWidth = 40

func (c *cli) queueCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit a user's prompt queue",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "queue owner")
	_ = cmd.MarkPersistentFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List queued items, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.queue.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			renderQueue(cmd.OutOrStdout(), items)
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <prompt>...",
		Short: "Queue a prompt, or a batch with --subtask",
		RunE: func(cmd *cobra.Command, args []string) error {
			subtasks, _ := cmd.Flags().GetStringArray("subtask")
			source, _ := cmd.Flags().GetString("source")
			branch, _ := cmd.Flags().GetString("branch")
			retry, _ := cmd.Flags().GetBool("retry")

			req := queue.AddRequest{
				Prompt:         strings.Join(args, " "),
				SourceID:       source,
				Branch:         branch,
				RetryOnFailure: retry,
			}
			for _, st := range subtasks {
				req.Subtasks = append(req.Subtasks, db.Subtask{FullContent: st})
			}

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			item, err := a.queue.Add(cmd.Context(), userID, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render("✓ Queued "+item.ID))
			return nil
		},
	}
	add.Flags().StringArray("subtask", nil, "add a subtask; repeat for a batch")
	add.Flags().String("source", "", "Jules source, sources/github/<owner>/<repo>")
	add.Flags().String("branch", "", "starting branch")
	add.Flags().Bool("retry", false, "retry failed activations")

	schedule := &cobra.Command{
		Use:   "schedule <id>...",
		Short: "Schedule items for a wall-clock time in a time zone",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			clock, _ := cmd.Flags().GetString("time")
			zone, _ := cmd.Flags().GetString("tz")
			retry, _ := cmd.Flags().GetBool("retry")

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			at, err := a.queue.Schedule(cmd.Context(), userID, queue.ScheduleRequest{
				IDs:            args,
				Date:           date,
				Time:           clock,
				TimeZone:       zone,
				RetryOnFailure: retry,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render(
				fmt.Sprintf("✓ Scheduled %d item(s) for %s", len(args), at.UTC().Format(time.RFC3339))))
			return nil
		},
	}
	schedule.Flags().String("date", "", "date as YYYY-MM-DD")
	schedule.Flags().String("time", "", "time as HH:MM")
	schedule.Flags().String("tz", "", "IANA time zone (default: the user's preference)")
	schedule.Flags().Bool("retry", false, "retry failed activations")
	_ = schedule.MarkFlagRequired("date")
	_ = schedule.MarkFlagRequired("time")

	unschedule := &cobra.Command{
		Use:   "unschedule <id>...",
		Short: "Return items to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Unschedule(cmd.Context(), userID, args); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render(fmt.Sprintf("✓ Unscheduled %d item(s)", len(args))))
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete items that are not being activated",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Delete(cmd.Context(), userID, args); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsgStyle.Render(fmt.Sprintf("✓ Deleted %d item(s)", len(args))))
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <id>...",
		Short: "Start Jules sessions for items now",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, _ := cmd.Flags().GetIntSlice("subtask")
			if len(indices) > 0 && len(args) != 1 {
				return fmt.Errorf("--subtask needs exactly one item id")
			}

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			var res *queue.RunResult
			if len(indices) > 0 {
				res, err = a.queue.RunSubtasks(cmd.Context(), userID, args[0], indices)
			} else {
				res, err = a.queue.Run(cmd.Context(), userID, args)
			}
			if err != nil {
				return err
			}
			renderRun(cmd.OutOrStdout(), res)
			if len(res.Failures) > 0 {
				return fmt.Errorf("%d run(s) failed", len(res.Failures))
			}
			return nil
		},
	}
	runCmd.Flags().IntSlice("subtask", nil, "run only these subtask positions (0-based) of one batch")

	split := &cobra.Command{
		Use:   "split <id>",
		Short: "Split a prompt into a batch on its task blocks or sections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			if dryRun {
				item, err := a.queue.Get(cmd.Context(), userID, args[0])
				if err != nil {
					return err
				}
				if item.Prompt == nil {
					return queue.ErrWrongType
				}
				renderAnalysis(w, queue.Analyze(*item.Prompt))
				return nil
			}

			item, analysis, err := a.queue.Split(cmd.Context(), userID, args[0])
			if errors.Is(err, queue.ErrNothingToSplit) {
				return fmt.Errorf("%w: %s", err, analysis.Recommendation)
			}
			if err != nil {
				return err
			}
			renderAnalysis(w, analysis)
			fmt.Fprintln(w, successMsgStyle.Render(fmt.Sprintf("✓ Split %s into %d subtask(s)", item.ID, len(item.Remaining))))
			return nil
		},
	}
	split.Flags().Bool("dry-run", false, "show the proposed split without changing the item")

	cmd.AddCommand(list, add, schedule, unschedule, del, runCmd, split)
	return cmd
}

func renderRun(w io.Writer, res *queue.RunResult) {
	for _, s := range res.Sessions {
		label := s.ItemID
		if s.Subtask != nil {
			label = fmt.Sprintf("%s #%d", s.ItemID, *s.Subtask)
		}
		fmt.Fprintln(w, successMsgStyle.Render("✓ "+label+" → "+s.SessionURL))
	}
	for _, f := range res.Failures {
		label := f.ItemID
		if f.Subtask != nil {
			label = fmt.Sprintf("%s #%d", f.ItemID, *f.Subtask)
		}
		fmt.Fprintln(w, errorMsgStyle.Render("✗ "+label+": "+f.Error))
	}
}

func renderAnalysis(w io.Writer, analysis queue.Analysis) {
	fmt.Fprintln(w, titleStyle.Render(string(analysis.Strategy)))
	fmt.Fprintln(w, analysis.Recommendation)
	for i, p := range analysis.Parts {
		title := p.Title
		if title == "" {
			title = fmt.Sprintf("Part %d", i+1)
		}
		fmt.Fprintln(w, labelStyle.Render(fmt.Sprintf("%2d.", i+1))+" "+title)
	}
	for _, warning := range analysis.Warnings {
		fmt.Fprintln(w, errorMsgStyle.Render("! "+warning))
	}
}

func renderQueue(w io.Writer, items []*db.QueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, emptyBoxStyle.Render("Queue is empty\n\nAdd one with `julesq queue add`"))
		return
	}

	rows := make([][]string, len(items))
	for i, item := range items {
		rows[i] = []string{
			item.ID,
			string(item.Type),
			string(item.Status),
			scheduledLabel(item),
			fmt.Sprintf("%d/%d", item.RetryCount, db.MaxRetries),
			preview(item),
		}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(labelStyle).
		Headers("ID", "TYPE", "STATUS", "SCHEDULED", "RETRIES", "PROMPT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 2 && row >= 0 && row < len(items):
				return statusStyle(items[row].Status).Padding(0, 1)
			default:
				return cellStyle
			}
		})
	fmt.Fprintln(w, t.Render())

	for _, item := range items {
		if item.Status == db.ItemStatusError && item.Error != "" {
			fmt.Fprintln(w, errorMsgStyle.Render("✗ "+item.ID+": "+item.Error))
		}
	}
}

// scheduledLabel shows the activation time in the zone it was scheduled in
func scheduledLabel(item *db.QueueItem) string {
	if item.ScheduledAt == nil {
		return "-"
	}
	at := item.ScheduledAt.UTC()
	if item.ScheduledTimeZone != nil {
		if loc, err := time.LoadLocation(*item.ScheduledTimeZone); err == nil {
			at = at.In(loc)
		}
	}
	return at.Format("2006-01-02 15:04 MST")
}

func preview(item *db.QueueItem) string {
	var text string
	extra := ""
	switch {
	case item.Prompt != nil:
		text = *item.Prompt
	case len(item.Remaining) > 0:
		text = item.Remaining[0].FullContent
		if n := len(item.Remaining) - 1; n > 0 {
			extra = fmt.Sprintf(" (+%d)", n)
		}
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if r := []rune(text); len(r) > previewWidth {
		text = string(r[:previewWidth-3]) + "..."
	}
	return text + extra
}
