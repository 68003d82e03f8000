package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/respond/internal/background"
	"github.com/kalambet/respond/internal/config"
	"github.com/kalambet/respond/internal/recovery"
	"github.com/kalambet/respond/internal/schema"
	"github.com/kalambet/respond/internal/storage"
	"github.com/kalambet/respond/internal/watch"
)

// readPrompt joins args, or reads stdin when there are none or the only
// arg is "-".
func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	prompt := strings.Join(args, " ")
	if prompt == "" || prompt == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		prompt = string(b)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("model", "m", "", "model to use (default: api.default_model)")
	cmd.Flags().StringP("previous", "p", "", "previous response id to continue from")
	cmd.Flags().String("instructions", "", "system instructions")
	cmd.Flags().String("container", "", "bind a code interpreter to this container id (\"auto\" for a fresh one)")
}

func buildRequest(cmd *cobra.Command, a *app, prompt string) schema.Request {
	model, _ := cmd.Flags().GetString("model")
	if model == "" {
		model = a.cfg.API.DefaultModel
	}
	req := schema.Request{
		Model: model,
		Input: schema.TextInput(prompt),
	}
	req.PreviousResponseID, _ = cmd.Flags().GetString("previous")
	req.Instructions, _ = cmd.Flags().GetString("instructions")
	switch container, _ := cmd.Flags().GetString("container"); container {
	case "":
	case "auto":
		req.Tools = append(req.Tools, schema.CodeInterpreter(schema.AutoContainer()))
	default:
		req.Tools = append(req.Tools, schema.CodeInterpreter(schema.ExistingContainer(container)))
	}
	return req
}

// --- create ---

func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [prompt...]",
		Short: "Create a response, recovering from expired context",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			req := buildRequest(cmd, a, prompt)
			bg, _ := cmd.Flags().GetBool("background")
			wait, _ := cmd.Flags().GetBool("wait")
			noRecovery, _ := cmd.Flags().GetBool("no-recovery")
			asJSON, _ := cmd.Flags().GetBool("json")

			if bg {
				h, info, err := a.client.CreateBackground(cmd.Context(), req)
				if err != nil {
					return describeError(err)
				}
				printInfo(info)
				if wait {
					printStep("waiting for %s", h.ID)
					if err := a.client.Wait(cmd.Context(), h); err != nil {
						return err
					}
				}
				return printHandle(cmd.OutOrStdout(), h, asJSON)
			}

			var resp *schema.Response
			if noRecovery {
				resp, err = a.client.CreateNoRecovery(cmd.Context(), req)
				if err != nil {
					return err
				}
			} else {
				res, err := a.client.Create(cmd.Context(), req)
				if err != nil {
					return describeError(err)
				}
				printInfo(res.Info)
				resp = res.Response
			}
			return printResponse(cmd.OutOrStdout(), resp, asJSON)
		},
	}
	addRequestFlags(cmd)
	cmd.Flags().Bool("background", false, "run in the background and print the handle")
	cmd.Flags().Bool("wait", false, "with --background, wait for a terminal status")
	cmd.Flags().Bool("no-recovery", false, "send once and return any failure unchanged")
	cmd.Flags().Bool("json", false, "print the raw JSON object")
	return cmd
}

// describeError flattens a recovery error into one line naming the
// classification.
func describeError(err error) error {
	var rerr *recovery.Error
	if !errors.As(err, &rerr) {
		return err
	}
	if rerr.Exhausted {
		return fmt.Errorf("gave up after %d retries (%s): %w", rerr.Info.RetryCount, rerr.Classification, rerr.Err)
	}
	return fmt.Errorf("%s: %w", rerr.Classification, rerr.Err)
}

func printResponse(w io.Writer, resp *schema.Response, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printStatus("Response", "%s", resp.ID)
	fmt.Fprintln(w, resp.OutputText())
	return nil
}

func printHandle(w io.Writer, h *background.Handle, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}
	status := h.Status.String()
	if h.Progress != nil {
		status = fmt.Sprintf("%s (%d%%)", status, *h.Progress)
	}
	fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, h.ID), status)
	if h.Error != "" {
		printStatus("Error", "%s", h.Error)
	}
	if h.IsCompleted() && len(h.Result) > 0 {
		var resp schema.Response
		if json.Unmarshal(h.Result, &resp) == nil {
			if text := resp.OutputText(); text != "" {
				fmt.Fprintln(w, text)
			}
		}
	}
	return nil
}

// --- stream ---

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream [prompt...]",
		Short: "Stream a response as it is generated",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.client.Stream(cmd.Context(), buildRequest(cmd, a, prompt))
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			for ev, err := range s.All() {
				if err != nil {
					fmt.Fprintln(out)
					return fmt.Errorf("stream ended early: %w", err)
				}
				if text, ok := ev.TextDelta(); ok {
					fmt.Fprint(out, text)
				}
				if u, ok := ev.ImageURL(); ok {
					printStatus("Image", "%s", u)
				}
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	addRequestFlags(cmd)
	return cmd
}

// --- poll / cancel ---

// lookupHandle loads a tracked handle, or builds one pointing at the
// response's own URL when it was never tracked here.
func lookupHandle(a *app, id string) (*background.Handle, error) {
	j, err := a.store.GetBackground(id)
	if err == nil {
		return watch.HandleFromJob(j), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	statusURL, err := url.JoinPath(a.transport.BaseURL(), "responses", id)
	if err != nil {
		return nil, err
	}
	return background.NewHandle(id, statusURL), nil
}

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll <id>",
		Short: "Refresh a background response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			h, err := lookupHandle(a, args[0])
			if err != nil {
				return err
			}
			wait, _ := cmd.Flags().GetBool("wait")
			asJSON, _ := cmd.Flags().GetBool("json")
			switch {
			case h.IsDone():
			case wait:
				err = a.client.Wait(cmd.Context(), h)
			default:
				err = a.client.Poll(cmd.Context(), h)
			}
			if err != nil {
				return err
			}
			return printHandle(cmd.OutOrStdout(), h, asJSON)
		},
	}
	cmd.Flags().Bool("wait", false, "keep polling until a terminal status")
	cmd.Flags().Bool("json", false, "print the handle as JSON")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a background response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSuccess("Cancelled %s (status %s)", resp.ID, resp.Status)
			return nil
		},
	}
}

// --- history ---

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled executions and background responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Storage.DataDir)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			execs, err := store.RecentExecutions(limit)
			if err != nil {
				return err
			}
			jobs, err := store.RecentBackground(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(execs) == 0 && len(jobs) == 0 {
				fmt.Fprintln(out, "No history.")
				return nil
			}
			for _, e := range execs {
				fmt.Fprintf(out, "%s  %s  %-10s  %s\n",
					colorize(colorCyan, e.ID[:8]),
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Mode,
					executionSummary(e),
				)
			}
			if len(jobs) > 0 {
				fmt.Fprintln(out)
				for _, j := range jobs {
					fmt.Fprintf(out, "%s  %s  %s\n",
						colorize(colorCyan, j.ID),
						j.CreatedAt.Local().Format("2006-01-02 15:04:05"),
						j.Status,
					)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum rows of each kind")
	return cmd
}

func executionSummary(e storage.Execution) string {
	var sb strings.Builder
	if e.Successful {
		sb.WriteString(colorize(colorGreen, "ok"))
	} else {
		sb.WriteString(colorize(colorRed, "failed"))
	}
	if e.ResponseID != "" {
		sb.WriteString(" " + e.ResponseID)
	}
	if e.RetryCount > 0 {
		fmt.Fprintf(&sb, " retries=%d", e.RetryCount)
	}
	if e.Classification != "" {
		sb.WriteString(" " + e.Classification)
	}
	if !e.Successful && e.OriginalError != "" {
		sb.WriteString(": " + truncate(e.OriginalError, 80))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// --- config ---

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			for _, k := range config.ShowAll(cfg) {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
			}
			printSuccess("Set %s = %s", key, value)
			return nil
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a configuration value so its default applies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.UnsetKey(args[0]); err != nil {
				return err
			}
			printSuccess("Unset %s", args[0])
			return nil
		},
	}

	setKey := &cobra.Command{
		Use:   "set-key [key]",
		Short: "Store the API key in the platform secret store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readPrompt(cmd, args)
			if err != nil {
				return errors.New("no API key given")
			}
			if err := config.StoreAPIKey(key); err != nil {
				return fmt.Errorf("storing API key: %w", err)
			}
			printSuccess("API key stored")
			return nil
		},
	}

	cmd.AddCommand(show, set, unset, setKey)
	return cmd
}
