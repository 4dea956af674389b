package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/colloquy/internal/store"
)

type memUsers struct {
	mu    sync.Mutex
	users []*store.User
}

func (m *memUsers) CreateUser(_ context.Context, email, hash string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return nil, store.ErrExists
		}
	}
	u := &store.User{ID: int64(len(m.users) + 1), Email: email, PasswordHash: hash, IsActive: true}
	m.users = append(m.users, u)
	return u, nil
}

func (m *memUsers) GetUser(_ context.Context, id int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == strings.ToLower(email) {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func testService(t *testing.T) (*Service, *memUsers) {
	t.Helper()
	iss, err := NewIssuer("test-secret", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	users := &memUsers{}
	return NewService(users, iss, bcrypt.MinCost), users
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword("secret", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	iss, _ := NewIssuer("k", time.Minute, nil)
	tok, exp, err := iss.Issue(&store.User{ID: 42, Email: "a@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) > time.Minute || time.Until(exp) < 50*time.Second {
		t.Errorf("expiry = %v", exp)
	}
	claims, err := iss.Validate(tok)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != 42 || claims.Subject != "a@example.com" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestIssuer_Rejects(t *testing.T) {
	iss, _ := NewIssuer("k", time.Minute, nil)
	other, _ := NewIssuer("other", time.Minute, nil)
	foreign, _, _ := other.Issue(&store.User{ID: 1})

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID: 1,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredTok, _ := expired.SignedString([]byte("k"))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1})
	noneTok, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong_secret", foreign, ErrInvalidToken},
		{"expired", expiredTok, ErrExpiredToken},
		{"alg_none", noneTok, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := iss.Validate(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("Validate err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewIssuer_EphemeralSecret(t *testing.T) {
	a, err := NewIssuer("", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewIssuer("", 0, nil)
	if a.TTL() != time.Hour {
		t.Errorf("TTL = %v, want 1h", a.TTL())
	}
	tok, _, _ := a.Issue(&store.User{ID: 1})
	if _, err := b.Validate(tok); err == nil {
		t.Error("two ephemeral issuers share a secret")
	}
}

func TestService_RegisterLoginAuthenticate(t *testing.T) {
	svc, users := testService(t)
	ctx := context.Background()

	u, err := svc.Register(ctx, "Alice@Example.com", "correct horse")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("email = %q", u.Email)
	}
	if _, err := svc.Register(ctx, "alice@example.com", "another one"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate err = %v", err)
	}

	if _, _, _, err := svc.Login(ctx, "alice@example.com", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("bad password err = %v", err)
	}
	if _, _, _, err := svc.Login(ctx, "nobody@example.com", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user err = %v", err)
	}

	tok, _, got, err := svc.Login(ctx, "alice@example.com", "correct horse")
	if err != nil || got.ID != u.ID {
		t.Fatalf("Login = %v, %v", got, err)
	}
	who, err := svc.Authenticate(ctx, tok)
	if err != nil || who.ID != u.ID {
		t.Fatalf("Authenticate = %v, %v", who, err)
	}

	users.users[0].IsActive = false
	if _, err := svc.Authenticate(ctx, tok); !errors.Is(err, ErrInactive) {
		t.Errorf("inactive Authenticate err = %v", err)
	}
	if _, _, _, err := svc.Login(ctx, "alice@example.com", "correct horse"); !errors.Is(err, ErrInactive) {
		t.Errorf("inactive Login err = %v", err)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc, _ := testService(t)
	for _, tc := range []struct{ email, password string }{
		{"not-an-email", "long enough"},
		{"a@example.com", "short"},
	} {
		if _, err := svc.Register(context.Background(), tc.email, tc.password); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Register(%q) err = %v, want ErrInvalidInput", tc.email, err)
		}
	}
}

func TestUserContext(t *testing.T) {
	if _, ok := UserFrom(context.Background()); ok {
		t.Error("empty context has a user")
	}
	ctx := WithUser(context.Background(), &store.User{ID: 9})
	if u, ok := UserFrom(ctx); !ok || u.ID != 9 {
		t.Errorf("UserFrom = %v, %v", u, ok)
	}
}
