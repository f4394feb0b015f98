package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zigazaga4/emailer/internal/logger"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/providers/factory"
	waprovider "github.com/zigazaga4/emailer/internal/providers/whatsapp"
	"github.com/zigazaga4/emailer/internal/retry"
)

func probeCmd() *cobra.Command {
	var (
		channel  string
		subject  string
		body     string
		bodyType string
		scenario string
	)
	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Send a single message through the configured provider without touching the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			router := factory.Router(ctx, a.cfg.Providers, logger.Component(a.log, "provider"), providerOptions(a.cfg)...)
			channel = strings.ToLower(strings.TrimSpace(channel))
			if err := router.ReadyFor(ctx, channel); err != nil {
				return err
			}

			msg := &models.Message{
				MessageID: uuid.NewString(),
				Channel:   channel,
				To:        strings.TrimSpace(args[0]),
				Subject:   subject,
				BodyType:  bodyType,
				Body:      body,
			}
			switch channel {
			case models.ChannelEmail:
				msg.From = a.cfg.Sender.Address
				msg.FromName = a.cfg.Sender.Name
			case models.ChannelWhatsApp:
				msg.From = a.cfg.Providers.Twilio.WhatsAppFrom
			}
			if scenario != "" {
				header := "scenario"
				if channel == models.ChannelEmail {
					header = "X-Mock-Provider-Scenario"
				}
				msg.Headers = map[string]string{header: scenario}
			}

			resp, err := router.Send(ctx, msg)
			out := rootCmd.OutOrStdout()
			if err != nil {
				fmt.Fprintf(out, "failed (retryable %v): %v\n", retry.IsRetryable(err), err)
				if resp != nil {
					_ = printJSON(out, resp)
				}
				return err
			}
			return printJSON(out, resp)
		}),
	}
	cmd.Flags().StringVar(&channel, "channel", models.ChannelEmail, "channel (email, whatsapp)")
	cmd.Flags().StringVar(&subject, "subject", "Provider probe", "email subject")
	cmd.Flags().StringVar(&body, "body", "This is a test message.", "message body")
	cmd.Flags().StringVar(&bodyType, "body-type", models.BodyTypeText, "body type (text, html, media)")
	cmd.Flags().StringVar(&scenario, "scenario", "", "mock provider scenario (success, transient, permanent, timeout)")
	return cmd
}

func waStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wa-status <message-sid>",
		Short: "Fetch the delivery status of a WhatsApp message",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			provider, err := factory.WhatsApp(a.cfg.Providers, logger.Component(a.log, "provider"), providerOptions(a.cfg)...)
			if err != nil {
				return err
			}
			fetcher, ok := provider.(waprovider.StatusFetcher)
			if !ok {
				return fmt.Errorf("wa-status: provider %q cannot fetch message status", provider.Name())
			}
			raw, err := fetcher.Fetch(ctx, args[0])
			if err != nil {
				return err
			}
			out := map[string]any{
				"sid":    raw.ID,
				"status": raw.Status,
				"code":   raw.Code,
				"at":     raw.Timestamp,
			}
			if raw.ErrorCode != 0 {
				out["error_code"] = raw.ErrorCode
				out["error_message"] = raw.ErrorMessage
			}
			return printJSON(rootCmd.OutOrStdout(), out)
		}),
	}
}
