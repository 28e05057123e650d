package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"wismo-triage/pkg/app"
	"wismo-triage/pkg/config"
	"wismo-triage/pkg/handlers"
	"wismo-triage/pkg/models"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the triage core from the terminal, with in-memory state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			cfg.StoreBackend = config.BackendMemory
			cfg.HandoffEnabled = false
			if !cmd.Flags().Changed("log-level") {
				cfg.LogLevel = "warn"
			}

			service, err := app.NewService(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer service.Close()

			sessionID, _ := cmd.Flags().GetString("session")
			if sessionID == "" {
				sessionID = uuid.New().String()
			}
			verbose, _ := cmd.Flags().GetBool("verbose")
			return runChat(cmd.Context(), service.Machine(), sessionID, verbose, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("session", "", "Session ID (random when empty)")
	cmd.Flags().BoolP("verbose", "v", false, "Print intent, action and case after each reply")
	return cmd
}

// runChat feeds each input line to the machine as one turn until EOF or "exit".
func runChat(ctx context.Context, chat handlers.ChatService, sessionID string, verbose bool, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			fmt.Fprint(out, "> ")
			continue
		case line == "exit" || line == "quit":
			return nil
		}

		resp, err := chat.HandleMessage(ctx, models.ChatRequest{SessionID: sessionID, Message: line})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Reply)
		if verbose {
			caseID := "-"
			if resp.CaseID != nil {
				caseID = *resp.CaseID
			}
			fmt.Fprintf(out, "[intent=%s action=%s case=%s risk=%s]\n",
				resp.Intent, resp.Action, caseID, strings.Join(resp.RiskFlags, ","))
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}
