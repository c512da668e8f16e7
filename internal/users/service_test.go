package users

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustService(t *testing.T, name string) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDIsStablePerLogin(t *testing.T) {
	service, db := mustService(t, "users-stable")
	ctx := context.Background()

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	first, err := service.ResolveCanonicalUserID(ctx, claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first <= 0 {
		t.Fatalf("expected a positive canonical id, got %d", first)
	}
	again, err := service.ResolveCanonicalUserID(ctx, claims)
	if err != nil || again != first {
		t.Fatalf("expected canonical id to remain stable, got %d (%v)", again, err)
	}

	other, err := service.ResolveCanonicalUserID(ctx, auth.SessionClaims{UserID: "12345"})
	if err != nil {
		t.Fatalf("resolve default provider failed: %v", err)
	}
	if other == first {
		t.Fatalf("expected a different provider to map to a different user")
	}

	identity, err := service.Lookup(ctx, first)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if identity.Provider != "google" || identity.Subject != "12345" || identity.Email != "user@example.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	var count int64
	db.Model(&Identity{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected two identities, got %d", count)
	}
}

func TestResolveCanonicalUserIDFindsSeededIdentity(t *testing.T) {
	service, db := mustService(t, "users-seeded")
	if err := db.Create(&Identity{UserID: 1, Provider: DefaultProvider, Subject: "admin"}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{
		UserID:          "admin",
		UserDisplayName: "Administrator",
	})
	if err != nil || userID != 1 {
		t.Fatalf("expected the seeded id, got %d (%v)", userID, err)
	}
	identity, _ := service.Lookup(context.Background(), 1)
	if identity.DisplayName != "Administrator" {
		t.Fatalf("expected display name refreshed, got %q", identity.DisplayName)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := mustService(t, "users-empty")
	if _, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}
