package countries

import (
	"context"
	"errors"
	"testing"
)

func TestServiceInsertAndList(t *testing.T) {
	service, _ := newTestService(t, []string{"id-1", "id-2"})
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	notes := "honeymoon"
	franceInput, err := NewRecordInput("fr", "France", &notes)
	if err != nil {
		t.Fatalf("unexpected input error: %v", err)
	}
	created, err := service.Insert(ctx, userID, franceInput)
	if err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if created.ID != "id-1" || created.CountryCode != "FR" {
		t.Fatalf("unexpected created record %#v", created)
	}
	if created.Notes == nil || *created.Notes != "honeymoon" {
		t.Fatalf("expected notes to be stored")
	}

	if _, err := service.Insert(ctx, userID, mustInput(t, "JP", "Japan")); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}

	records, err := service.List(ctx, userID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].CountryCode != "JP" || records[1].CountryCode != "FR" {
		t.Fatalf("expected newest first, got %s then %s", records[0].CountryCode, records[1].CountryCode)
	}
}

func TestServiceInsertReportsConflict(t *testing.T) {
	service, db := newTestService(t, []string{"id-1", "id-2"})
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	if _, err := service.Insert(ctx, userID, mustInput(t, "US", "United States")); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	_, err := service.Insert(ctx, userID, mustInput(t, "us", "USA"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "countries.insert.conflict" {
		t.Fatalf("expected conflict service code, got %v", err)
	}

	var stored VisitedCountry
	if err := db.Where(queryUserCountry, "user-1", "US").Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if stored.CountryName != "United States" {
		t.Fatalf("conflicting insert must not overwrite, got %q", stored.CountryName)
	}
}

func TestServiceScopesRecordsByUser(t *testing.T) {
	service, _ := newTestService(t, []string{"id-1", "id-2"})
	ctx := context.Background()

	if _, err := service.Insert(ctx, mustUserID(t, "user-1"), mustInput(t, "IT", "Italy")); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if _, err := service.Insert(ctx, mustUserID(t, "user-2"), mustInput(t, "IT", "Italy")); err != nil {
		t.Fatalf("same country for another user must not conflict: %v", err)
	}

	records, err := service.List(ctx, mustUserID(t, "user-2"))
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(records) != 1 || records[0].ID != "id-2" {
		t.Fatalf("unexpected records for user-2: %#v", records)
	}
}

func TestServiceDeleteReportsNotFound(t *testing.T) {
	service, _ := newTestService(t, []string{"id-1"})
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	if _, err := service.Insert(ctx, userID, mustInput(t, "BR", "Brazil")); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if err := service.Delete(ctx, userID, mustCountryCode(t, "BR")); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := service.Delete(ctx, userID, mustCountryCode(t, "BR")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestServiceBulkUpsertSkipsDuplicates(t *testing.T) {
	service, _ := newTestService(t, []string{"id-1", "id-2", "id-3", "id-4", "id-5"})
	userID := mustUserID(t, "user-1")
	ctx := context.Background()

	if _, err := service.Insert(ctx, userID, mustInput(t, "FR", "France")); err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}

	synced, err := service.BulkUpsert(ctx, userID, []RecordInput{
		mustInput(t, "FR", "France"),
		mustInput(t, "JP", "Japan"),
		mustInput(t, "JP", "Japan"),
	})
	if err != nil {
		t.Fatalf("unexpected bulk upsert error: %v", err)
	}
	if synced != 1 {
		t.Fatalf("expected exactly one newly written record, got %d", synced)
	}

	records, err := service.List(ctx, userID)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	codes := map[string]bool{}
	for _, record := range records {
		if codes[record.CountryCode] {
			t.Fatalf("duplicate country code %s", record.CountryCode)
		}
		codes[record.CountryCode] = true
	}
	if len(codes) != 2 || !codes["FR"] || !codes["JP"] {
		t.Fatalf("unexpected stored codes %v", codes)
	}

	again, err := service.BulkUpsert(ctx, userID, []RecordInput{mustInput(t, "JP", "Japan")})
	if err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if again != 0 {
		t.Fatalf("expected retry to write nothing, got %d", again)
	}
}

func TestServiceWithoutDatabaseReportsCode(t *testing.T) {
	service := &Service{}
	_, err := service.List(context.Background(), "user-1")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "countries.list.missing_database" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}
