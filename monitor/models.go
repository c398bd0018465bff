package monitor

import "time"

// SettingRecord is one persisted key/value pair. The dismissed-id list is
// stored as a JSON string array under SettingKeyDismissedIDs; the
// new-application policy flag as "true"/"false" under
// SettingKeyRestoreOnNewApp.
type SettingRecord struct {
	Key       string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

const (
	SettingKeyDismissedIDs    = "dismissedMessageIds"
	SettingKeyRestoreOnNewApp = "restoreDismissedOnNewApp"
)

// PollRecord archives the outcome of one poll cycle.
type PollRecord struct {
	ID            uint      `gorm:"primaryKey"`
	PolledAt      time.Time `gorm:"index"`
	ApplicationID string    `gorm:"index;size:64"`
	MessageCount  int
	NewCount      int
	RemovedCount  int
	DurationMS    int64
	LastError     string `gorm:"type:text"`
}
