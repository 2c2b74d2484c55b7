package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ArchivedTrade is a closed trade kept for history.
type ArchivedTrade struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Role         string    `gorm:"size:16;index"`
	State        string    `gorm:"size:64;index"`
	DisputeState string    `gorm:"size:64"`
	Currency     string    `gorm:"size:16;index"`
	Amount       int64     `gorm:"not null"`
	Price        int64     `gorm:"not null"`
	DepositTxID  string    `gorm:"size:128"`
	PayoutTxID   string    `gorm:"size:128"`
	ErrorMessage string    `gorm:"type:text"`
	Payload      []byte    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"index"`
	ClosedAt     time.Time `gorm:"index"`
}

// Archive stores closed trades in SQLite or Postgres.
type Archive struct {
	db *gorm.DB
}

// OpenArchive opens the archive at dsn. Postgres URLs ("postgres://...") and
// keyword DSNs ("host=... dbname=...") use Postgres; anything else is a SQLite
// path such as "trades.db" or "file::memory:?cache=shared".
func OpenArchive(dsn string) (*Archive, error) {
	db, err := gorm.Open(archiveDialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("trade: open archive: %w", err)
	}
	return NewArchive(db)
}

func archiveDialector(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") || strings.HasPrefix(lower, "host=") {
		return postgres.Open(trimmed)
	}
	return sqlite.Open(trimmed)
}

// NewArchive migrates the schema on an existing connection.
func NewArchive(db *gorm.DB) (*Archive, error) {
	if err := db.AutoMigrate(&ArchivedTrade{}); err != nil {
		return nil, fmt.Errorf("trade: migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Add stores t as closed at closedAt. Archiving the same trade twice overwrites it.
func (a *Archive) Add(t *Trade, closedAt time.Time) error {
	if t == nil {
		return ErrTradeNotFound
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("trade: encode archived trade: %w", err)
	}
	row := ArchivedTrade{
		ID:           t.ID,
		Role:         t.Role.String(),
		State:        t.State.String(),
		DisputeState: t.DisputeState.String(),
		Currency:     t.Terms.Currency,
		Amount:       t.Terms.Amount,
		Price:        t.Terms.Price,
		ErrorMessage: t.ErrorMessage,
		Payload:      raw,
		CreatedAt:    t.CreatedAt.UTC(),
		ClosedAt:     closedAt.UTC(),
	}
	if t.DepositTx != nil {
		row.DepositTxID = t.DepositTx.ID
	}
	if t.PayoutTx != nil {
		row.PayoutTxID = t.PayoutTx.ID
	}
	return a.db.Save(&row).Error
}

// Get returns the archived trade with id.
func (a *Archive) Get(id string) (*Trade, error) {
	var row ArchivedTrade
	err := a.db.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.decode()
}

// List returns archived trades, most recently closed first. A non-positive
// limit returns all of them.
func (a *Archive) List(limit int) ([]*Trade, error) {
	q := a.db.Order("closed_at desc, id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ArchivedTrade
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*Trade, 0, len(rows))
	for i := range rows {
		t, err := rows[i].decode()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Close releases the underlying connection.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *ArchivedTrade) decode() (*Trade, error) {
	var t Trade
	if err := json.Unmarshal(r.Payload, &t); err != nil {
		return nil, fmt.Errorf("trade: decode archived trade %s: %w", r.ID, err)
	}
	return &t, nil
}
