package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"isotope/pkg/types"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		newSession bool
		sessionID  int64
	)
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt and print the streamed reply",
		Long:  "Send one prompt to the selected model in the active session and stream the reply to stdout. The prompt is read from stdin when no argument is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = string(b)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := openApp(ctx, opts, cmd.ErrOrStderr(), os.Getenv)
			if err != nil {
				return err
			}
			defer a.Close()

			switch {
			case newSession:
				if _, err := a.coord.NewSession(ctx); err != nil {
					return err
				}
			case sessionID > 0:
				if _, err := a.coord.SwitchSession(ctx, sessionID); err != nil {
					return err
				}
			}
			events, err := a.coord.Chat(ctx, prompt)
			if err != nil {
				return err
			}
			return printStream(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().BoolVar(&newSession, "new", false, "start a new session first")
	cmd.Flags().Int64Var(&sessionID, "session", 0, "switch to this session first")
	return cmd
}

// printStream writes token text as it arrives and returns the error event,
// if any, as an error.
func printStream(w io.Writer, events <-chan types.ChatEvent) error {
	var failure error
	for ev := range events {
		switch ev.Type {
		case types.EventToken:
			fmt.Fprint(w, ev.Text)
		case types.EventDone:
			fmt.Fprintln(w)
		case types.EventError:
			failure = fmt.Errorf("generation %s: %s", ev.GenerationID, ev.Message)
		}
	}
	return failure
}
