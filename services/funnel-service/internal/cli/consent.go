package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"github.com/spf13/cobra"
)

// ErrPromptCancelled is returned when the operator interrupts the prompt.
var ErrPromptCancelled = errors.New("consent prompt cancelled")

// TerminalPrompter asks one yes/no question per non-essential consent type.
type TerminalPrompter struct {
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

func (p TerminalPrompter) Prompt(ctx context.Context, current map[model.ConsentType]bool) (map[model.ConsentType]bool, error) {
	answer := map[model.ConsentType]bool{model.ConsentEssential: true}
	for _, t := range model.ConsentTypes {
		if t == model.ConsentEssential {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		items := []string{"Yes", "No"}
		cursor := 1
		if current[t] {
			cursor = 0
		}
		prompt := promptui.Select{
			Label:     fmt.Sprintf("Allow %s cookies", t),
			Items:     items,
			CursorPos: cursor,
			Stdin:     p.Stdin,
			Stdout:    p.Stdout,
		}
		idx, _, err := prompt.Run()
		if err != nil {
			if err == promptui.ErrInterrupt {
				return nil, ErrPromptCancelled
			}
			return nil, err
		}
		answer[t] = idx == 0
	}
	return answer, nil
}

func newConsentCmd(opts *rootOptions, prompter consent.Prompter) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Inspect and record visitor consent",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <visitor-id>",
		Short: "Show the current consent record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			view, err := opts.client().Consent(ctx, args[0])
			if err != nil {
				return err
			}
			return printConsent(cmd.OutOrStdout(), view, opts.jsonOut)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "prompt <visitor-id>",
		Short: "Ask for consent interactively and record the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := prompter
			if p == nil {
				p = TerminalPrompter{}
			}
			return runConsentPrompt(cmd, opts, args[0], p)
		},
	})
	return cmd
}

// runConsentPrompt replays the server's record into a local gate, lets the gate drive the
// prompt, then writes the outcome back.
func runConsentPrompt(cmd *cobra.Command, opts *rootOptions, visitorID string, p consent.Prompter) error {
	c := opts.client()
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	view, err := c.Consent(ctx, visitorID)
	cancel()
	if err != nil {
		return err
	}

	var gopts []consent.Option
	if view.Record != nil {
		gopts = append(gopts, consent.WithRecord(*view.Record))
	}
	gate := consent.NewGate(visitorID, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), consent.Policy{}, gopts...)
	granted, err := gate.RequestConsent(cmd.Context(), p)
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	if gate.State() == consent.StateDeclined {
		view, err = c.DeclineConsent(ctx, visitorID)
	} else {
		view, err = c.GrantConsent(ctx, visitorID, nonEssential(granted))
	}
	if err != nil {
		return err
	}
	return printConsent(cmd.OutOrStdout(), view, opts.jsonOut)
}

func nonEssential(types []model.ConsentType) []model.ConsentType {
	out := make([]model.ConsentType, 0, len(types))
	for _, t := range types {
		if t != model.ConsentEssential {
			out = append(out, t)
		}
	}
	return out
}

func printConsent(w io.Writer, view ConsentView, asJSON bool) error {
	if asJSON {
		return printJSON(w, view)
	}
	granted := make([]string, 0, len(view.Granted))
	for _, t := range view.Granted {
		granted = append(granted, string(t))
	}
	fmt.Fprintf(w, "Visitor:  %s\n", view.VisitorID)
	fmt.Fprintf(w, "State:    %s\n", view.State)
	fmt.Fprintf(w, "Granted:  %s\n", strings.Join(granted, ", "))
	if view.Record != nil {
		fmt.Fprintf(w, "Version:  %d\n", view.Record.Version)
	}
	return nil
}
