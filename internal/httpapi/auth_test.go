package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tillbook/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func newAdminStub() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				ShopID:    7,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := newAdminStub()

	manager := NewAuthManager("test-secret", time.Hour, users)
	resp, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.ShopID != 7 {
		t.Fatalf("expected login to report shop 7, got %d", resp.ShopID)
	}

	stored, err := users.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected 1 user, got %d", len(stored))
	}
	if !strings.HasPrefix(stored[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", stored[0].Password)
	}
}

func TestTokenCarriesShopScope(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newAdminStub())
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ADMIN ", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin || actor.ShopID != 7 {
		t.Fatalf("unexpected actor %+v", actor)
	}

	other := NewAuthManager("another-secret", time.Hour, newAdminStub())
	if _, err := other.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestCreateCashierStoresPasswordHashInAdminShop(t *testing.T) {
	users := newAdminStub()
	manager := NewAuthManager("test-secret", time.Hour, users)
	admin := domain.Actor{Username: "admin", Role: domain.RoleAdmin, ShopID: 7}

	cashier, err := manager.CreateCashier(context.Background(), admin, domain.CashierCreateRequest{
		Username: "tillone",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.ShopID != 7 {
		t.Fatalf("expected cashier in shop 7, got %d", cashier.ShopID)
	}

	stored := users.users["tillone"]
	if !strings.HasPrefix(stored.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", stored.Password)
	}

	if got := manager.ListCashiers(context.Background(), 7); len(got) != 1 {
		t.Fatalf("expected one cashier in shop 7, got %d", len(got))
	}
	if got := manager.ListCashiers(context.Background(), 8); len(got) != 0 {
		t.Fatalf("expected no cashiers in shop 8, got %d", len(got))
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "tillone", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login with hashed cashier failed: %v", err)
	}
	if resp.Role != domain.RoleCashier {
		t.Fatalf("expected cashier role, got %s", resp.Role)
	}
}
