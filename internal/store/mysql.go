package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"mailtriage/internal/classify"
)

type messageRow struct {
	ID                string     `gorm:"primaryKey;type:char(36)"`
	Subject           string     `gorm:"type:text;not null"`
	Body              string     `gorm:"type:mediumtext;not null"`
	TicketID          *string    `gorm:"type:varchar(64);index"`
	Priority          string     `gorm:"type:varchar(16);not null;default:'pending';index"`
	Analyzed          bool       `gorm:"not null;default:false;index"`
	Claimed           bool       `gorm:"not null;default:false"`
	ClaimToken        *string    `gorm:"type:char(36)"`
	ClaimExpiresAt    *time.Time `gorm:"type:datetime(6)"`
	DeadLettered      bool       `gorm:"not null;default:false;index"`
	RetryCount        int        `gorm:"type:int;not null;default:0"`
	MaxRetries        int        `gorm:"type:int;not null;default:3"`
	LastError         *string    `gorm:"type:text"`
	PriorityUpdatedAt *time.Time `gorm:"type:datetime(6)"`
	DeadLetteredAt    *time.Time `gorm:"type:datetime(6)"`
	CreatedAt         time.Time  `gorm:"type:datetime(6);not null;index"`
}

func (messageRow) TableName() string { return "messages" }

type ticketRow struct {
	ID                string     `gorm:"primaryKey;type:varchar(64)"`
	Priority          string     `gorm:"type:varchar(16);not null;default:'pending'"`
	Analyzed          bool       `gorm:"not null;default:false"`
	PriorityUpdatedAt *time.Time `gorm:"type:datetime(6)"`
}

func (ticketRow) TableName() string { return "tickets" }

// MySQLStore implements Store on MySQL through gorm. Multi-field changes
// are single conditional UPDATEs or run inside a transaction.
type MySQLStore struct {
	DB *gorm.DB
}

// NewMySQLStore opens the database and migrates the schema.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	gormLogger := logger.New(
		log.New(os.Stderr, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Error,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}

	s := &MySQLStore{DB: db}
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&messageRow{}, &ticketRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) CreateMessage(ctx context.Context, m *Message) error {
	prepareNew(m)

	row := messageRow{
		ID:         m.ID,
		Subject:    m.Subject,
		Body:       m.Body,
		TicketID:   optional(m.TicketID),
		Priority:   string(m.Priority),
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		CreatedAt:  m.CreatedAt,
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create message %s: %w", m.ID, err)
	}
	return nil
}

func (s *MySQLStore) EnsureTicket(ctx context.Context, id string) error {
	row := ticketRow{ID: id, Priority: string(classify.LevelPending)}
	err := s.DB.WithContext(ctx).Where("id = ?", id).FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("failed to ensure ticket %s: %w", id, err)
	}
	return nil
}

func (s *MySQLStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var row messageRow
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return row.toMessage(), nil
}

func (s *MySQLStore) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	var row ticketRow
	if err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ticket %s: %w", id, err)
	}
	return &Ticket{
		ID:                row.ID,
		Priority:          classify.Level(row.Priority),
		Analyzed:          row.Analyzed,
		PriorityUpdatedAt: row.PriorityUpdatedAt,
	}, nil
}

// TryClaim is a single conditional UPDATE; the row lock makes it a
// compare-and-set.
func (s *MySQLStore) TryClaim(ctx context.Context, id, token string, now time.Time, ttl time.Duration) (bool, error) {
	expires := now.Add(ttl)
	res := s.DB.WithContext(ctx).Model(&messageRow{}).
		Where("id = ? AND dead_lettered = ?", id, false).
		Where("claimed = ? OR claim_expires_at IS NULL OR claim_expires_at <= ?", false, now).
		Updates(map[string]any{
			"claimed":          true,
			"claim_token":      token,
			"claim_expires_at": expires,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim message %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MySQLStore) Release(ctx context.Context, id, token string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&messageRow{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{
			"claimed":          false,
			"claim_token":      nil,
			"claim_expires_at": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to release message %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *MySQLStore) SaveAnalysis(ctx context.Context, id, ticketID string, level classify.Level, at time.Time) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).
			Where("id = ? AND dead_lettered = ?", id, false).
			Updates(map[string]any{
				"priority":            string(level),
				"priority_updated_at": at,
				"analyzed":            true,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to save analysis for message %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			var row messageRow
			if err := tx.Select("id", "dead_lettered").Where("id = ?", id).Take(&row).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return err
			}
			if row.DeadLettered {
				return fmt.Errorf("message %s is dead-lettered", id)
			}
		}

		if ticketID == "" {
			return nil
		}
		// Missing tickets are left alone.
		err := tx.Model(&ticketRow{}).Where("id = ?", ticketID).Updates(map[string]any{
			"priority":            string(level),
			"priority_updated_at": at,
			"analyzed":            true,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update ticket %s: %w", ticketID, err)
		}
		return nil
	})
}

func (s *MySQLStore) IncrementRetry(ctx context.Context, id, errMsg string, at time.Time) (RetryState, error) {
	var row messageRow
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).Where("id = ?", id).Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errMsg,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		err := tx.Select("retry_count", "max_retries", "analyzed", "dead_lettered").
			Where("id = ?", id).Take(&row).Error
		if err != nil {
			return err
		}
		if row.DeadLettered || row.Analyzed || row.RetryCount < row.MaxRetries {
			return nil
		}
		row.DeadLettered = true
		return tx.Model(&messageRow{}).Where("id = ?", id).Updates(map[string]any{
			"dead_lettered":    true,
			"dead_lettered_at": at,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RetryState{}, err
		}
		return RetryState{}, fmt.Errorf("failed to increment retry for message %s: %w", id, err)
	}
	return RetryState{RetryCount: row.RetryCount, MaxRetries: row.MaxRetries, DeadLettered: row.DeadLettered}, nil
}

func (s *MySQLStore) FindEligible(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	var ids []string
	err := s.DB.WithContext(ctx).Model(&messageRow{}).
		Where("priority = ? AND analyzed = ? AND dead_lettered = ?", string(classify.LevelPending), false, false).
		Where("claimed = ? OR claim_expires_at IS NULL OR claim_expires_at <= ?", false, now).
		Where("retry_count < max_retries").
		Order("created_at ASC, id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find eligible messages: %w", err)
	}
	return ids, nil
}

func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.DB.WithContext(ctx).Model(&messageRow{})
	if err := db.Where("analyzed = ? AND dead_lettered = ?", false, false).Count(&st.Open).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count open messages: %w", err)
	}
	if err := s.DB.WithContext(ctx).Model(&messageRow{}).Where("analyzed = ?", true).Count(&st.Analyzed).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count analyzed messages: %w", err)
	}
	if err := s.DB.WithContext(ctx).Model(&messageRow{}).Where("dead_lettered = ?", true).Count(&st.DeadLettered).Error; err != nil {
		return Stats{}, fmt.Errorf("failed to count dead-lettered messages: %w", err)
	}
	return st, nil
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *MySQLStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *messageRow) toMessage() *Message {
	m := &Message{
		ID:                r.ID,
		Subject:           r.Subject,
		Body:              r.Body,
		Priority:          classify.Level(r.Priority),
		Analyzed:          r.Analyzed,
		Claimed:           r.Claimed,
		DeadLettered:      r.DeadLettered,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		ClaimExpiresAt:    r.ClaimExpiresAt,
		PriorityUpdatedAt: r.PriorityUpdatedAt,
		DeadLetteredAt:    r.DeadLetteredAt,
		CreatedAt:         r.CreatedAt,
	}
	if r.TicketID != nil {
		m.TicketID = *r.TicketID
	}
	if r.ClaimToken != nil {
		m.ClaimToken = *r.ClaimToken
	}
	if r.LastError != nil {
		m.LastError = *r.LastError
	}
	return m
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
