package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/runs"
	"github.com/zigazaga4/emailer/internal/validator"
)

type sendFlags struct {
	request        string
	channel        string
	subject        string
	body           string
	bodyFile       string
	bodyType       string
	from           string
	fromName       string
	cc             []string
	bcc            []string
	attach         []string
	listID         int64
	templateID     int64
	templateName   string
	contentSID     string
	vars           map[string]string
	statusCallback string
	pacingMs       int
	runKey         string
	name           string
}

func sendCmd() *cobra.Command {
	f := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message to a contact list or to every contact of a channel",
		Long: `Send runs one dispatch in the foreground and prints the final session.
Interrupting it stops the run after the in-flight recipient; the session is
recorded as cancelled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(func(ctx context.Context, a *app, _ []string) error {
				return runSend(ctx, cmd, a, f)
			})(cmd, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.request, "request", "", "JSON run request file; other message flags are ignored")
	fl.StringVar(&f.channel, "channel", models.ChannelEmail, "channel (email, whatsapp)")
	fl.StringVar(&f.subject, "subject", "", "email subject")
	fl.StringVar(&f.body, "body", "", "message body")
	fl.StringVar(&f.bodyFile, "body-file", "", "read the message body from a file")
	fl.StringVar(&f.bodyType, "body-type", "", "body type (text, html, media)")
	fl.StringVar(&f.from, "from", "", "sender address, defaults to the configured sender")
	fl.StringVar(&f.fromName, "from-name", "", "sender display name")
	fl.StringSliceVar(&f.cc, "cc", nil, "carbon copy addresses")
	fl.StringSliceVar(&f.bcc, "bcc", nil, "blind carbon copy addresses")
	fl.StringSliceVar(&f.attach, "attach", nil, "files to attach")
	fl.Int64Var(&f.listID, "list", 0, "contact list id, all contacts when unset")
	fl.Int64Var(&f.templateID, "template", 0, "stored template id")
	fl.StringVar(&f.templateName, "template-name", "", "stored template name")
	fl.StringVar(&f.contentSID, "content-sid", "", "Twilio content template sid")
	fl.StringToStringVar(&f.vars, "var", nil, "content template variables, key=value")
	fl.StringVar(&f.statusCallback, "status-callback", "", "Twilio status callback URL")
	fl.IntVar(&f.pacingMs, "pacing", -1, "delay between recipients in milliseconds, configured default when negative")
	fl.StringVar(&f.runKey, "run-key", "", "run key, generated when empty")
	fl.StringVar(&f.name, "name", "", "session name")
	return cmd
}

func runSend(ctx context.Context, cmd *cobra.Command, a *app, f *sendFlags) error {
	req, err := f.runRequest()
	if err != nil {
		return err
	}

	planner := runs.NewPlanner(a.contacts, a.validator, a.cfg.Dispatch.Pacing())
	dreq, err := planner.Plan(ctx, req)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(dreq.Recipients) == 0 {
		fmt.Fprintln(out, "no recipients, nothing sent")
		return nil
	}

	sweepIfConfigured(ctx, a)

	rt, err := buildRuntime(ctx, a)
	if err != nil {
		return err
	}
	defer rt.Close()

	mirrorCtx, stopMirror := context.WithCancel(context.WithoutCancel(ctx))
	waitMirror := rt.startMirror(mirrorCtx, a.log)
	defer func() {
		stopMirror()
		waitMirror()
	}()

	a.log.Info().
		Str("run_key", dreq.RunKey).
		Str("channel", dreq.Message.Channel).
		Int("recipients", len(dreq.Recipients)).
		Dur("pacing", dreq.Pacing).
		Msg("starting run")

	session, err := rt.engine.Run(ctx, dreq)
	if err != nil {
		return err
	}
	return printSessions(out, []models.DispatchSession{*session})
}

func (f *sendFlags) runRequest() (*validator.RunRequest, error) {
	if f.request != "" {
		payload, err := os.ReadFile(f.request)
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		return validator.ParseRunRequest(payload)
	}

	body := f.body
	if f.bodyFile != "" {
		raw, err := os.ReadFile(f.bodyFile)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		body = string(raw)
	}

	spec := models.MessageSpec{
		Channel:          f.channel,
		From:             f.from,
		FromName:         f.fromName,
		CC:               f.cc,
		BCC:              f.bcc,
		Subject:          f.subject,
		BodyType:         f.bodyType,
		Body:             body,
		TemplateName:     f.templateName,
		ContentSID:       f.contentSID,
		ContentVariables: f.vars,
		StatusCallback:   f.statusCallback,
	}
	if f.templateID > 0 {
		id := f.templateID
		spec.TemplateID = &id
	}
	for _, path := range f.attach {
		att, err := readAttachment(path)
		if err != nil {
			return nil, err
		}
		spec.Attachments = append(spec.Attachments, att)
	}

	req := &validator.RunRequest{
		RunKey:      strings.TrimSpace(f.runKey),
		SessionName: strings.TrimSpace(f.name),
		Message:     spec,
	}
	if f.listID > 0 {
		id := f.listID
		req.ListID = &id
	}
	if f.pacingMs >= 0 {
		pacing := f.pacingMs
		req.PacingMs = &pacing
	}
	return req, nil
}

func readAttachment(path string) (models.Attachment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	name := filepath.Base(path)
	return models.Attachment{
		Filename:    name,
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		Content:     content,
	}, nil
}
