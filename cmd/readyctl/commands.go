package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/readyd/internal/readiness"
)

func requireOrg() error {
	if orgID == "" {
		return errors.New("--org (or READYD_ORG_ID) is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newScoreCmd() *cobra.Command {
	var (
		storyTitle string
		criteria   []string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "score [file]",
		Short: "Score task text locally",
		Long: `Score task text with the readiness rules, without a server.

Examples:
  # Score a task description from a file
  readyctl score task.md --story "Add login" --ac ac-001

  # Score from stdin
  echo "implement login" | readyctl score -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				text []byte
				err  error
			)
			if len(args) == 0 || args[0] == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read task text: %w", err)
			}
			if strings.TrimSpace(string(text)) == "" {
				return errors.New("no task text to score")
			}

			report := readiness.Analyze(string(text), readiness.StoryContext{
				Title:              storyTitle,
				AcceptanceCriteria: criteria,
			})
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVar(&storyTitle, "story", "", "title of the parent story")
	cmd.Flags().StringSliceVar(&criteria, "ac", nil, "acceptance criterion ids of the parent story")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func printReport(w io.Writer, r readiness.Report) {
	fmt.Fprintf(w, "Score: %d (%s)\n", r.Score.Overall, r.Score.Level())
	if len(r.VagueTerms) > 0 {
		fmt.Fprintln(w, "\nVague terms:")
		for _, v := range r.VagueTerms {
			fmt.Fprintf(w, "  - %q at %d: %s\n", v.Term, v.Offset, v.Suggestion)
		}
	}
	if len(r.MissingElements) > 0 {
		fmt.Fprintln(w, "\nMissing:")
		for _, m := range r.MissingElements {
			fmt.Fprintf(w, "  - [%s] %s\n", m.Importance, m.Description)
		}
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w, "\nRecommendations:")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "  %s [%s] %s\n", rec.ID, rec.Priority, rec.Title)
		}
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check readyd server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := newClient(serverURL, "").do(cmd.Context(), http.MethodGet, "/health", nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newAnalyzeCmd() *cobra.Command {
	var story bool
	cmd := &cobra.Command{
		Use:   "analyze <task-id|story-id>",
		Short: "Analyze a task inline, or every task of a story as a job",
		Long: `Analyze one task and print the analysis, or with --story submit a job
that analyzes every task of the story.

Examples:
  readyctl analyze t1 --org acme
  readyctl analyze s1 --story --org acme`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			c := newClient(serverURL, orgID)
			var out map[string]any
			path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/analyze"
			if story {
				path = "/api/v1/stories/" + url.PathEscape(args[0]) + "/tasks/analyze"
			}
			if err := c.do(cmd.Context(), http.MethodPost, path, struct{}{}, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&story, "story", false, "treat the argument as a story id")
	return cmd
}

func newSuggestCmd() *cobra.Command {
	var (
		useRepo bool
		list    string
	)
	cmd := &cobra.Command{
		Use:   "suggest <story-id>",
		Short: "Request task suggestions for a story, or list them",
		Long: `Submit a suggestion job for a story, or with --list print the stored
suggestions filtered by status.

Examples:
  readyctl suggest s1 --repo --org acme
  readyctl suggest s1 --list pending --org acme`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			c := newClient(serverURL, orgID)
			story := url.PathEscape(args[0])
			if cmd.Flags().Changed("list") {
				var out []map[string]any
				path := "/api/v1/stories/" + story + "/task-suggestions"
				if list != "" {
					path += "?status=" + url.QueryEscape(list)
				}
				if err := c.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			var out map[string]any
			body := map[string]bool{"use_repo_context": useRepo}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/stories/"+story+"/tasks/suggest", body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&useRepo, "repo", false, "use repository context")
	cmd.Flags().StringVar(&list, "list", "", "list suggestions with this status (empty for all)")
	return cmd
}

func newReviewCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <suggestion-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a pending task suggestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			var out map[string]any
			path := "/api/v1/task-suggestions/" + url.PathEscape(args[0]) + "/" + action
			if err := newClient(serverURL, orgID).do(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newJobCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a job, or follow its events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOrg(); err != nil {
				return err
			}
			c := newClient(serverURL, orgID)
			id := url.PathEscape(args[0])
			if !follow {
				var out map[string]any
				if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+id, nil, &out); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}
			return c.stream(cmd.Context(), "/api/v1/jobs/"+id+"/events", func(ev streamEvent) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ev.Type, ev.Data)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream job events until the job finishes")
	return cmd
}
