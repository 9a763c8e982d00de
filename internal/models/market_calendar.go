package models

// MarketCalendar is one trading day. Times are "HH:MM" exchange-local, empty when unset.
type MarketCalendar struct {
	Date        string `gorm:"primaryKey;size:10"`
	Status      string `gorm:"size:32;not null"` // open, closed or early_close
	OpenTime    string `gorm:"size:8"`
	CloseTime   string `gorm:"size:8"`
	Description string
}

func (MarketCalendar) TableName() string { return "market_calendar" }
