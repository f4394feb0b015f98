package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zigazaga4/emailer/internal/models"
)

func contactsCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage contacts and lists",
	}
	cmd.PersistentFlags().StringVar(&channel, "channel", models.ChannelEmail, "contact channel (email, whatsapp)")

	var listID int64
	add := &cobra.Command{
		Use:   "add <name> <address>",
		Short: "Add a contact, optionally to a list",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := a.contacts.Add(ctx, channel, args[0], args[1])
			if err != nil {
				return err
			}
			if listID > 0 {
				if err := a.contacts.AddToList(ctx, channel, listID, id); err != nil {
					return err
				}
			}
			fmt.Fprintf(rootCmd.OutOrStdout(), "contact %d added\n", id)
			return nil
		}),
	}
	add.Flags().Int64Var(&listID, "list", 0, "list to add the contact to")

	list := &cobra.Command{
		Use:   "list",
		Short: "List contacts, or the members of --list",
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			var (
				recipients []models.Recipient
				err        error
			)
			if listID > 0 {
				recipients, err = a.contacts.InList(ctx, channel, listID)
			} else {
				recipients, err = a.contacts.All(ctx, channel)
			}
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(rootCmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tADDRESS")
			for _, r := range recipients {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", r.ID, orDash(r.Name), r.Address)
			}
			return tw.Flush()
		}),
	}
	list.Flags().Int64Var(&listID, "list", 0, "only members of this list")

	lists := &cobra.Command{
		Use:   "lists",
		Short: "Show contact lists with their sizes",
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			all, err := a.contacts.Lists(ctx, channel)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(rootCmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSIZE\tDESCRIPTION")
			for _, l := range all {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", l.ID, l.Name, l.Size, orDash(l.Description))
			}
			return tw.Flush()
		}),
	}

	var description string
	createList := &cobra.Command{
		Use:   "create-list <name>",
		Short: "Create a contact list",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := a.contacts.CreateList(ctx, channel, args[0], description)
			if err != nil {
				return err
			}
			fmt.Fprintf(rootCmd.OutOrStdout(), "list %d created\n", id)
			return nil
		}),
	}
	createList.Flags().StringVar(&description, "description", "", "list description")

	addToList := &cobra.Command{
		Use:   "add-to-list <list-id> <contact-id>...",
		Short: "Add existing contacts to a list",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			lid, err := parseID(args[0])
			if err != nil {
				return err
			}
			for _, arg := range args[1:] {
				cid, err := parseID(arg)
				if err != nil {
					return err
				}
				if err := a.contacts.AddToList(ctx, channel, lid, cid); err != nil {
					return err
				}
			}
			return nil
		}),
	}

	cmd.AddCommand(add, list, lists, createList, addToList)
	return cmd
}

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage stored email templates",
	}

	var bodyFile string
	add := &cobra.Command{
		Use:   "add <name> <subject>",
		Short: "Store an email template; the body is read from --body-file",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			body, err := os.ReadFile(bodyFile)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			id, err := a.contacts.AddTemplate(ctx, args[0], args[1], string(body))
			if err != nil {
				return err
			}
			fmt.Fprintf(rootCmd.OutOrStdout(), "template %d added\n", id)
			return nil
		}),
	}
	add.Flags().StringVar(&bodyFile, "body-file", "", "file holding the template body")
	_ = add.MarkFlagRequired("body-file")

	cmd.AddCommand(add)
	return cmd
}
