package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"comicgen/internal/domain"
)

func newCreateCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Start generating a comic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			out, err := c.Create(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if ctx.asJSON && !watch {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Comic %s queued (%s)\n", out.ID, out.Status)
			if !watch {
				return nil
			}
			return watchJob(cmd, ctx, out.ID)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the comic is done")
	return cmd
}

func newGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a comic and its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		mine  bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent comics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := c.List(cmd.Context(), mine, limit)
			if err != nil {
				return err
			}
			if ctx.asJSON {
				return writeJSON(cmd.OutOrStdout(), jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No comics found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))
			return nil
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "List only your own comics")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of comics")
	return cmd
}

func newExtendCommand(ctx *commandContext) *cobra.Command {
	var (
		pages int
		hint  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "extend <id>",
		Short: "Append pages to a finished comic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := c.Extend(cmd.Context(), args[0], pages, hint)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Extending %s from %d pages\n", job.ID, len(job.Items))
			if !watch {
				return nil
			}
			return watchJob(cmd, ctx, job.ID)
		},
	}
	cmd.Flags().IntVarP(&pages, "pages", "p", 0, "Number of pages to add (server default when zero)")
	cmd.Flags().StringVar(&hint, "hint", "", "Guidance for the continuation")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the pages are done")
	return cmd
}

func newReloadCommand(ctx *commandContext) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "reload <id> <page>",
		Short: "Regenerate the image of one page (pages count from 1)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := strconv.Atoi(args[1])
			if err != nil || page < 1 {
				return fmt.Errorf("page must be a positive number, got %q", args[1])
			}
			c, err := ctx.client()
			if err != nil {
				return err
			}
			job, err := c.Reload(cmd.Context(), args[0], page-1)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reloading page %d of %s\n", page, job.ID)
			if !watch {
				return nil
			}
			return watchJob(cmd, ctx, job.ID)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the page is done")
	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Stream live progress of a comic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchJob(cmd, ctx, args[0])
		},
	}
}

// watchJob prints one line per snapshot and returns once the job is terminal
// with every page resolved.
func watchJob(cmd *cobra.Command, ctx *commandContext, id string) error {
	c, err := ctx.client()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	var last *domain.Job
	err = c.Watch(cmd.Context(), id, func(job *domain.Job) bool {
		last = job
		if ctx.asJSON {
			_ = json.NewEncoder(out).Encode(job)
		} else {
			fmt.Fprintf(out, "%s  %-18s %s\n", time.Now().Format("15:04:05"), job.Status, progress(job))
		}
		return !done(job)
	})
	if err != nil {
		return err
	}
	if last != nil && last.Status == domain.JobStatusFailed {
		return fmt.Errorf("comic %s failed: %s", last.ID, last.Error)
	}
	return nil
}

func done(job *domain.Job) bool {
	return job.Status.Terminal() && len(job.Unresolved()) == 0
}

func progress(job *domain.Job) string {
	if len(job.Items) == 0 {
		return job.Title
	}
	resolved := len(job.Items) - len(job.Unresolved())
	return fmt.Sprintf("%d/%d pages  %s", resolved, len(job.Items), job.Title)
}

func printJob(w io.Writer, job *domain.Job) {
	fmt.Fprintf(w, "%s\n%s\n\n", job.Title, job.Summary)
	fmt.Fprintf(w, "ID:      %s\nStatus:  %s\nCreated: %s\n", job.ID, job.Status, job.CreatedAt.Local().Format(time.RFC822))
	if job.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", job.Error)
	}
	if len(job.Items) == 0 {
		return
	}
	rows := make([][]string, 0, len(job.Items))
	for _, item := range job.Items {
		url := ""
		if item.AssetURL != nil {
			url = *item.AssetURL
		}
		rows = append(rows, []string{strconv.Itoa(item.Index + 1), truncate(item.Scene, 40), string(item.Outcome), url})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, renderTable([]string{"Page", "Scene", "Outcome", "Image"}, rows, []columnAlignment{alignRight}))
}

func renderJobs(jobs []domain.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			job.ID,
			truncate(job.Title, 32),
			string(job.Status),
			strconv.Itoa(len(job.Items)),
			job.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"ID", "Title", "Status", "Pages", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
