package countries

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	countryCodeLength   = 2
	maxIdentifierLength = 190
	maxCountryNameRunes = 190
)

var (
	// ErrInvalidCountryCode indicates that a country code is not two ASCII letters.
	ErrInvalidCountryCode = errors.New("countries: invalid country code")
	// ErrInvalidCountryName indicates that a country name is empty or exceeds storage bounds.
	ErrInvalidCountryName = errors.New("countries: invalid country name")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("countries: invalid user id")
	// ErrConflict indicates that the country is already recorded for the user.
	ErrConflict = errors.New("countries: country already visited")
	// ErrNotFound indicates that the country is not recorded for the user.
	ErrNotFound = errors.New("countries: country not found")
)

// CountryCode is a validated, upper-cased two letter country code.
type CountryCode string

// NewCountryCode validates raw input and returns a CountryCode.
func NewCountryCode(rawInput string) (CountryCode, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(rawInput))
	if len(trimmed) != countryCodeLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidCountryCode, rawInput)
	}
	for index := 0; index < len(trimmed); index++ {
		if trimmed[index] < 'A' || trimmed[index] > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCountryCode, rawInput)
		}
	}
	return CountryCode(trimmed), nil
}

// String returns the underlying code.
func (code CountryCode) String() string {
	return string(code)
}

// CountryName is a validated display name.
type CountryName string

// NewCountryName validates raw input and returns a CountryName.
func NewCountryName(rawInput string) (CountryName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCountryName)
	}
	if utf8.RuneCountInString(trimmed) > maxCountryNameRunes {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCountryName, maxCountryNameRunes)
	}
	return CountryName(trimmed), nil
}

// String returns the underlying name.
func (name CountryName) String() string {
	return string(name)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Record is the visited-country record exchanged with clients and kept on devices.
// ID is assigned by the record store and is empty for device-held records.
type Record struct {
	ID          string    `json:"id,omitempty"`
	CountryCode string    `json:"country_code"`
	CountryName string    `json:"country_name"`
	VisitedDate time.Time `json:"visited_date"`
	Notes       *string   `json:"notes,omitempty"`
}

// RecordInput carries one country to insert.
type RecordInput struct {
	CountryCode CountryCode
	CountryName CountryName
	Notes       *string
}

// NewRecordInput validates raw request fields.
func NewRecordInput(rawCode, rawName string, notes *string) (RecordInput, error) {
	code, err := NewCountryCode(rawCode)
	if err != nil {
		return RecordInput{}, err
	}
	name, err := NewCountryName(rawName)
	if err != nil {
		return RecordInput{}, err
	}
	return RecordInput{CountryCode: code, CountryName: name, Notes: normalizeNotes(notes)}, nil
}

// VisitedCountry is the persisted record-store row.
type VisitedCountry struct {
	ID               string  `gorm:"column:id;primaryKey;size:64;not null"`
	UserID           string  `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_visited_user_country,priority:1;index:idx_visited_user_time,priority:1"`
	CountryCode      string  `gorm:"column:country_code;size:2;not null;uniqueIndex:idx_visited_user_country,priority:2"`
	CountryName      string  `gorm:"column:country_name;size:190;not null"`
	VisitedAtSeconds int64   `gorm:"column:visited_at_s;not null;index:idx_visited_user_time,priority:2"`
	Notes            *string `gorm:"column:notes;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (VisitedCountry) TableName() string {
	return "visited_countries"
}

// Record converts the stored row into its wire form.
func (row VisitedCountry) Record() Record {
	return Record{
		ID:          row.ID,
		CountryCode: row.CountryCode,
		CountryName: row.CountryName,
		VisitedDate: time.Unix(row.VisitedAtSeconds, 0).UTC(),
		Notes:       row.Notes,
	}
}

func normalizeNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
