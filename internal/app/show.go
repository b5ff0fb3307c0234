package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"collectible-alerts/internal/service"
	"collectible-alerts/internal/storage"
)

// Show prints recently stored notifications.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show notifications")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentNotifications(ctx, opts.Wallet, opts.Limit)
	if err != nil {
		return err
	}
	return writeNotifications(os.Stdout, records)
}

func writeNotifications(out io.Writer, records []storage.NotificationRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no notifications found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tWallet\tMoment\tType\tObserved\tMessage")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.WalletKey,
			rec.SubjectID,
			rec.AlertType,
			formatDecimal(rec.ObservedValue, 2),
			sanitizeInline(rec.Message),
		)
	}
	return writer.Flush()
}

// WritePortfolio prints a valued wallet as a table.
func WritePortfolio(out io.Writer, pf service.Portfolio) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Wallet\t%s\n", pf.WalletKey)
	fmt.Fprintf(writer, "As of\t%s\n", pf.AsOf.UTC().Format(time.RFC3339))
	fmt.Fprintln(writer, "Moment\tPrice")
	for _, h := range pf.Holdings {
		price := "n/a"
		if h.Price != nil {
			price = fmt.Sprintf("%.2f", *h.Price)
		}
		fmt.Fprintf(writer, "%s\t%s\n", h.MomentID, price)
	}
	fmt.Fprintf(writer, "Total (%d/%d priced)\t%.2f\n", pf.Priced, len(pf.Holdings), pf.TotalValue)
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " | ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
