// Package systemlog persists gateway traffic and failure records published on
// the event bus.
package systemlog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
	"gorm.io/datatypes"
)

// Job is the subscriber name of the writer.
const Job = "system_log"

// Writer stores system log events in the originating tenant's database.
type Writer struct {
	tenants tenant.Selector
	log     *slog.Logger
}

func NewWriter(tenants tenant.Selector, log *slog.Logger) *Writer {
	return &Writer{tenants: tenants, log: log}
}

func (w *Writer) Register(s events.Subscriber) {
	s.Subscribe(events.SystemLogged, Job, w.Handle)
}

// Handle writes one system log row.
func (w *Writer) Handle(ctx context.Context, e events.Event) error {
	p, ok := e.Payload.(events.SystemLogPayload)
	if !ok {
		return fmt.Errorf("systemlog: unexpected payload %T", e.Payload)
	}
	ctx, err := w.tenants.Select(ctx, e.Tenant)
	if err != nil {
		return err
	}
	db, err := tenant.DB(ctx)
	if err != nil {
		return err
	}

	row := &models.SystemLog{
		CompanyID:  p.CompanyID,
		ClientID:   p.ClientID,
		CategoryID: p.CategoryID,
		EventID:    p.EventID,
		TypeID:     p.TypeID,
		CreatedAt:  e.At,
	}
	if len(p.Log) > 0 {
		row.Log = datatypes.JSON(p.Log)
	}
	if err := db.Create(row).Error; err != nil {
		return err
	}
	w.log.Info("system log",
		"tenant", e.Tenant,
		"client_id", p.ClientID,
		"category", p.CategoryID,
		"event", p.EventID,
		"type", p.TypeID,
	)
	return nil
}

// ForClient returns the newest system log rows of a client, up to limit.
func ForClient(ctx context.Context, clientID uint, limit int) ([]models.SystemLog, error) {
	db, err := tenant.DB(ctx)
	if err != nil {
		return nil, err
	}
	var rows []models.SystemLog
	err = db.Where("client_id = ?", clientID).Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
