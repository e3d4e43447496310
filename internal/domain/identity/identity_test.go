package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestResolve(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour).Unix()

	tests := []struct {
		name       string
		allowGuest bool
		token      func(t *testing.T) string
		want       Principal
		wantErr    bool
	}{
		{
			name:       "guest allowed",
			allowGuest: true,
			token:      func(*testing.T) string { return "" },
			want:       Principal{Guest: true},
		},
		{
			name:    "guest disallowed",
			token:   func(*testing.T) string { return "" },
			wantErr: true,
		},
		{
			name: "signed in customer",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
					"sub": "user-42", "email": "thandi@example.com", "exp": exp,
				})
			},
			want: Principal{UserID: "user-42", Email: "thandi@example.com"},
		},
		{
			name: "legacy user_id claim",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"user_id": "user-7", "exp": exp})
			},
			want: Principal{UserID: "user-7"},
		},
		{
			name: "guest token with guests disallowed",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
					"user_id": "guest_ab12", "role": "guest", "exp": exp,
				})
			},
			wantErr: true,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{
					"sub": "user-42", "exp": now.Add(-time.Minute).Unix(),
				})
			},
			wantErr: true,
		},
		{
			name: "missing expiry",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "user-42"})
			},
			wantErr: true,
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "user-42", "exp": exp})
			},
			wantErr: true,
		},
		{
			name: "wrong algorithm",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.MapClaims{"sub": "user-42", "exp": exp})
			},
			wantErr: true,
		},
		{
			name:       "garbage with guests allowed is still rejected",
			allowGuest: true,
			token:      func(*testing.T) string { return "not-a-jwt" },
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(secret, tt.allowGuest)
			r.now = func() time.Time { return now }

			got, err := r.Resolve(tt.token(t))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrAuthRequired)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrincipalKey(t *testing.T) {
	assert.Equal(t, "user-42", Principal{UserID: "user-42"}.Key("x@example.com"))
	assert.Equal(t, "x@example.com", Principal{Guest: true}.Key(" X@Example.com "))
}
