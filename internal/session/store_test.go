package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func testCredential() *Credential {
	return &Credential{
		ServerURL:           "wss://rooms.example.com",
		RoomName:            "voice_assistant_room_42",
		ParticipantIdentity: "voice_assistant_user_7",
		ParticipantToken:    "token",
		IssuedAt:            time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func exerciseStore(t *testing.T, store CredentialStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Load(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on empty store, got %v", err)
	}

	want := testCredential()
	if err := store.Save(ctx, testKey, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Load(ctx, testKey)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.RoomName != want.RoomName || got.ParticipantToken != want.ParticipantToken || !got.IssuedAt.Equal(want.IssuedAt) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	want.ParticipantToken = "rotated"
	if err := store.Save(ctx, testKey, want); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	got, _ = store.Load(ctx, testKey)
	if got.ParticipantToken != "rotated" {
		t.Errorf("Expected overwritten token, got %q", got.ParticipantToken)
	}

	if err := store.Delete(ctx, testKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Load(ctx, testKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, testKey); err != nil {
		t.Errorf("Deleting a missing key should succeed, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	if err := store.Save(ctx, testKey, testCredential()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	store.Close()

	reopened, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load(ctx, testKey)
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if got.ParticipantIdentity != "voice_assistant_user_7" {
		t.Errorf("Unexpected credential after reopen: %+v", got)
	}
}

func TestHTTPCredentialSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"serverUrl":        "wss://rooms.example.com",
			"roomName":         "voice_assistant_room_3",
			"participantName":  "voice_assistant_user_9",
			"participantToken": "jwt",
			"timestamp":        1700000000000,
		})
	}))
	defer server.Close()

	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	source := NewHTTPCredentialSource(server.URL, server.Client())
	source.now = func() time.Time { return issued }

	cred, err := source.RequestCredential(context.Background())
	if err != nil {
		t.Fatalf("RequestCredential failed: %v", err)
	}
	if cred.RoomName != "voice_assistant_room_3" || cred.ParticipantIdentity != "voice_assistant_user_9" || cred.ParticipantToken != "jwt" {
		t.Errorf("Unexpected credential: %+v", cred)
	}
	if !cred.IssuedAt.Equal(issued) {
		t.Errorf("Expected IssuedAt from the local clock, got %v", cred.IssuedAt)
	}
}

func TestHTTPCredentialSource_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "LIVEKIT_URL is not defined", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{not json"))
			},
		},
		{
			name: "missing token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"serverUrl":"wss://rooms.example.com"}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewHTTPCredentialSource(server.URL, server.Client()).RequestCredential(context.Background())
			var ce *CredentialError
			if !errors.As(err, &ce) {
				t.Errorf("Expected CredentialError, got %v", err)
			}
		})
	}
}
