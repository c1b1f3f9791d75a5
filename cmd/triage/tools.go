package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mailtriage/internal/classify"
	"mailtriage/internal/triage"
)

var (
	subject    string
	body       string
	ticketID   string
	maxRetries int
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify a subject and body without touching the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := classify.New(classify.NewVaderScorer()).Classify(subject, body)
		fmt.Fprintln(cmd.OutOrStdout(), level)
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Store a new pending message",
	RunE: func(cmd *cobra.Command, args []string) error {
		if subject == "" && body == "" {
			return errors.New("one of --subject or --body is required")
		}
		ctx := commandContext(cmd)
		a, err := newApp(ctx, "ingest")
		if err != nil {
			return err
		}
		defer a.shutdown.Shutdown()

		m, err := triage.Ingest(ctx, a.store, triage.IngestRequest{
			Subject:    subject,
			Body:       body,
			TicketID:   ticketID,
			MaxRetries: maxRetries,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), m.ID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print message counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		a, err := newApp(ctx, "stats")
		if err != nil {
			return err
		}
		defer a.shutdown.Shutdown()

		st, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	for _, c := range []*cobra.Command{classifyCmd, ingestCmd} {
		c.Flags().StringVar(&subject, "subject", "", "message subject")
		c.Flags().StringVar(&body, "body", "", "message body")
	}
	ingestCmd.Flags().StringVar(&ticketID, "ticket", "", "ticket id to mirror the priority onto")
	ingestCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget (default 3)")
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
