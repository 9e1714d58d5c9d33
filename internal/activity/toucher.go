package activity

import (
	"context"
	"log/slog"

	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
)

// LogToucher is the Toucher used when no document renderer is configured. It
// logs each paid invoice whose stored document is now out of date.
type LogToucher struct {
	log *slog.Logger
}

func NewLogToucher(log *slog.Logger) *LogToucher {
	return &LogToucher{log: log}
}

func (t *LogToucher) Touch(ctx context.Context, invoiceID uint) error {
	db, err := tenant.DB(ctx)
	if err != nil {
		return err
	}
	var inv models.Invoice
	if err := db.Select("id", "number", "status").First(&inv, invoiceID).Error; err != nil {
		return err
	}
	t.log.Info("invoice document out of date",
		"tenant", tenant.Key(ctx),
		"invoice_id", inv.ID,
		"number", inv.Number,
		"status", inv.Status,
	)
	return nil
}
