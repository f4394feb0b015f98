package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/zigazaga4/emailer/internal/models"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printSessions(w io.Writer, sessions []models.DispatchSession) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCHANNEL\tNAME\tSUBJECT\tTOTAL\tOK\tFAILED\tSTATUS\tSTARTED\tCOMPLETED")
	for _, s := range sessions {
		started := s.StartedAt
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			s.ID, s.Channel, orDash(s.SessionName), orDash(s.Subject),
			s.TotalContacts, s.SuccessfulSends, s.FailedSends, s.Status,
			formatTime(&started), formatTime(s.CompletedAt))
	}
	return tw.Flush()
}

func printLogs(w io.Writer, logs []models.DeliveryLogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCONTACT\tADDRESS\tSTATUS\tATTEMPTS\tPROVIDER ID\tSENT\tERROR")
	for _, l := range logs {
		sent := l.SentAt
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			l.ID, orDash(l.ContactName), l.ContactAddr, l.Status, l.Attempts,
			orDash(l.ProviderID), formatTime(&sent), orDash(l.ErrorMessage))
	}
	return tw.Flush()
}

func printContactLogs(w io.Writer, logs []models.ContactLogEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSESSION NAME\tSUBJECT\tSTATUS\tSENT\tERROR")
	for _, l := range logs {
		sent := l.SentAt
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			l.SessionID, orDash(l.SessionName), orDash(l.Subject), l.Status,
			formatTime(&sent), orDash(l.ErrorMessage))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
