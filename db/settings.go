package db

import (
	"context"
	"fmt"
	"time"
)

const (
	MinThresholdHours = 1
	MaxThresholdHours = 72
)

// AlertSettings is the singleton escalation configuration. The scheduler
// reads it on every pass; only explicit configuration updates mutate it.
type AlertSettings struct {
	Enabled         bool
	ThresholdHours  int
	OverrideAddress *string
	AccountAddress  string
	UpdatedAt       time.Time
}

// Threshold returns the breach window as a duration.
func (s *AlertSettings) Threshold() time.Duration {
	return time.Duration(s.ThresholdHours) * time.Hour
}

// NotifyAddress returns the address escalation alerts go to: the override if
// set, otherwise the operator's account address.
func (s *AlertSettings) NotifyAddress() string {
	if s.OverrideAddress != nil && *s.OverrideAddress != "" {
		return *s.OverrideAddress
	}
	return s.AccountAddress
}

// GetAlertSettings fetches the singleton settings row.
func (db *Database) GetAlertSettings(ctx context.Context) (*AlertSettings, error) {
	var s AlertSettings
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT enabled, threshold_hours, override_address, account_address, updated_at
		FROM alert_settings WHERE id = 1
	`).Scan(&s.Enabled, &s.ThresholdHours, &s.OverrideAddress, &s.AccountAddress, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch alert settings: %w", err)
	}
	return &s, nil
}

// UpdateAlertSettings replaces the singleton settings row.
func (db *Database) UpdateAlertSettings(ctx context.Context, s *AlertSettings) error {
	if s.ThresholdHours < MinThresholdHours || s.ThresholdHours > MaxThresholdHours {
		return ErrSettingsOutOfRange
	}
	_, err := db.GetWritePool().Exec(ctx, `
		UPDATE alert_settings
		SET enabled = $1, threshold_hours = $2, override_address = $3,
		    account_address = $4, updated_at = now()
		WHERE id = 1
	`, s.Enabled, s.ThresholdHours, s.OverrideAddress, s.AccountAddress)
	if err != nil {
		return fmt.Errorf("failed to update alert settings: %w", err)
	}
	return nil
}
