package sqlstore

import "time"

// StoreRecord is one cache generation.
type StoreRecord struct {
	Name      string    `gorm:"primaryKey;size:191" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (StoreRecord) TableName() string {
	return "cache_stores"
}

// EntryRecord is one cached response. Keys are full URLs, so uniqueness is
// enforced on a hash of the key.
type EntryRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	StoreName string    `gorm:"size:191;not null;uniqueIndex:idx_cache_entry_key,priority:1" json:"store_name"`
	KeyHash   string    `gorm:"size:64;not null;uniqueIndex:idx_cache_entry_key,priority:2" json:"key_hash"`
	Key       string    `gorm:"column:cache_key;type:text;not null" json:"key"`
	URL       string    `gorm:"type:text" json:"url"`
	Status    int       `gorm:"not null" json:"status"`
	Header    string    `gorm:"type:text" json:"header"`
	Body      []byte    `json:"-"`
	StoredAt  time.Time `gorm:"not null" json:"stored_at"`

	Store StoreRecord `gorm:"foreignKey:StoreName;references:Name;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName returns the table name for GORM.
func (EntryRecord) TableName() string {
	return "cache_entries"
}
