package state

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/immer-auth/internal/errors"
	"github.com/alexjbarnes/immer-auth/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath, Options{})
	require.NoError(t, err)
	_, err = s1.CreateUser(NewUser{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath, Options{})
	require.NoError(t, err)
	defer s2.Close()

	u, err := s2.UserByUsername("alice")
	require.NoError(t, err)
	require.NotNil(t, u)
}

// --- Users ---

func TestCreateUser_UniqueFoldedUsername(t *testing.T) {
	s := testDB(t)
	_, err := s.CreateUser(NewUser{Username: "Alice", Email: "a@example.com"})
	require.NoError(t, err)

	_, err = s.CreateUser(NewUser{Username: "aLiCe", Email: "other@example.com"})
	assert.ErrorIs(t, err, apperrors.ErrUsernameTaken)

	u, err := s.UserByUsername("ALICE")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "Alice", u.Username)
}

func TestCreateUser_UniqueEmailHash(t *testing.T) {
	s := testDB(t)
	_, err := s.CreateUser(NewUser{Username: "alice", Email: "Alice@Example.com"})
	require.NoError(t, err)

	_, err = s.CreateUser(NewUser{Username: "bob", Email: " alice@example.com "})
	assert.ErrorIs(t, err, apperrors.ErrEmailTaken)
}

func TestCreateUser_StoresOnlyEmailHash(t *testing.T) {
	s := testDB(t)
	u, err := s.CreateUser(NewUser{Username: "alice", Email: "alice@example.com"})
	require.NoError(t, err)

	assert.Equal(t, HashEmail("alice@example.com"), u.EmailHash)
	assert.NotContains(t, u.EmailHash, "alice")
	assert.Equal(t, models.RoleUser, u.Role)
	assert.Empty(t, u.PasswordHash)

	found, err := s.UserByEmail("ALICE@example.com")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, u.ID, found.ID)
}

func TestCreateUser_InvalidUsername(t *testing.T) {
	s := testDB(t)
	for _, name := range []string{"ab", "has space", "bad[chars]", ""} {
		_, err := s.CreateUser(NewUser{Username: name, Email: name + "@example.com"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidUsername, name)
	}
}

func TestCreateUser_ConcurrentSameUsername(t *testing.T) {
	s := testDB(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CreateUser(NewUser{Username: "racer", Email: "racer" + string(rune('a'+i)) + "@example.com"})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrUsernameTaken)
	}
	assert.Equal(t, 1, ok)
}

func TestCheckPassword(t *testing.T) {
	s := testDB(t)
	_, err := s.CreateUser(NewUser{Username: "alice", Email: "a@example.com", Password: "hunter22"})
	require.NoError(t, err)

	u, err := s.CheckPassword("ALICE", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = s.CheckPassword("alice", "wrong")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = s.CheckPassword("nobody", "hunter22")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestCheckPassword_FederatedAccountHasNoPassword(t *testing.T) {
	s := testDB(t)
	_, err := s.CreateUser(NewUser{Username: "fed", Email: "f@example.com", OIDCProviders: []string{"idp.example"}})
	require.NoError(t, err)

	_, err = s.CheckPassword("fed", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestSetPassword_ReplacesHash(t *testing.T) {
	s := testDB(t)
	u, err := s.CreateUser(NewUser{Username: "alice", Email: "a@example.com", Password: "old-password"})
	require.NoError(t, err)

	require.NoError(t, s.SaveToken(models.OAuthToken{
		TokenHash: HashToken("tok"),
		UserID:    u.ID,
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.SetPassword(u.ID, "new-password"))

	_, err = s.CheckPassword("alice", "old-password")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = s.CheckPassword("alice", "new-password")
	assert.NoError(t, err)

	// Revocation is a separate step.
	n, err := s.RevokeUserTokens(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSetPassword_UnknownUser(t *testing.T) {
	s := testDB(t)
	err := s.SetPassword("missing", "whatever")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestOIDCProviders_AddRemove(t *testing.T) {
	s := testDB(t)
	u, err := s.CreateUser(NewUser{Username: "alice", Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, s.AddOIDCProvider(u.ID, "idp.example"))
	require.NoError(t, s.AddOIDCProvider(u.ID, "idp.example"))

	got, err := s.UserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"idp.example"}, got.OIDCProviders)
	assert.True(t, got.HasProvider("idp.example"))

	require.NoError(t, s.RemoveOIDCProvider(u.ID, "idp.example"))
	got, err = s.UserByID(u.ID)
	require.NoError(t, err)
	assert.False(t, got.HasProvider("idp.example"))
}

func TestSetRole(t *testing.T) {
	s := testDB(t)
	u, err := s.CreateUser(NewUser{Username: "alice", Email: "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, s.SetRole(u.ID, models.RoleAdmin))
	got, err := s.UserByID(u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, got.Role)
}

// --- Clients ---

func TestCreateClient_Duplicate(t *testing.T) {
	s := testDB(t)
	c := models.OAuthClient{ClientID: "https://hub.example", RedirectURIs: []string{"https://hub.example/"}}

	created, err := s.CreateClient(c)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	_, err = s.CreateClient(c)
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
	assert.Equal(t, 1, s.OAuthClientCount())
}

func TestUpsertClient_KeepsID(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.UpsertClient(models.OAuthClient{ClientID: "first-party", Name: "v1"}))
	before, err := s.GetClient("first-party")
	require.NoError(t, err)

	require.NoError(t, s.UpsertClient(models.OAuthClient{ClientID: "first-party", Name: "v2", IsTrusted: true}))
	after, err := s.GetClient("first-party")
	require.NoError(t, err)

	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "v2", after.Name)
	assert.True(t, after.IsTrusted)
}

func TestGetClient_NotFound(t *testing.T) {
	s := testDB(t)
	c, err := s.GetClient("nope")
	require.NoError(t, err)
	assert.Nil(t, c)
}

// --- Remote clients ---

func TestInsertRemoteClient_UniqueDomain(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.InsertRemoteClient(models.RemoteClient{Domain: "peer.example", Type: models.RemoteTypeOIDC, Name: "first"}))

	err := s.InsertRemoteClient(models.RemoteClient{Domain: "peer.example", Type: models.RemoteTypeOIDC, Name: "second"})
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
	assert.True(t, IsUniqueViolation(err))

	rc, err := s.GetRemoteClient("peer.example")
	require.NoError(t, err)
	assert.Equal(t, "first", rc.Name)
}

func TestInsertRemoteClient_ConcurrentFirstRegistration(t *testing.T) {
	s := testDB(t)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.InsertRemoteClient(models.RemoteClient{Domain: "race.example", Type: models.RemoteTypeOIDC})
		}(i)
	}
	wg.Wait()

	inserted := 0
	for _, err := range results {
		if err == nil {
			inserted++
		} else {
			assert.ErrorIs(t, err, apperrors.ErrDuplicate)
		}
	}
	assert.Equal(t, 1, inserted)
}

func TestLoginProviders(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.InsertRemoteClient(models.RemoteClient{Domain: "a.example", Type: models.RemoteTypeOIDC}))
	require.NoError(t, s.InsertRemoteClient(models.RemoteClient{Domain: "b.example", Type: models.RemoteTypeOIDC}))
	require.NoError(t, s.UpdateRemoteClientButton("b.example", "https://b.example/icon.png", "B Login", true))

	providers, err := s.LoginProviders()
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, "b.example", providers[0].Domain)
	assert.Equal(t, "B Login", providers[0].ButtonLabel)

	assert.ErrorIs(t, s.UpdateRemoteClientButton("missing.example", "", "", true), apperrors.ErrNotFound)
}

// --- Tokens ---

func TestSaveToken_NeverStoresRawValue(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveToken(models.OAuthToken{
		Token:     "raw-secret",
		TokenHash: HashToken("raw-secret"),
		UserID:    "u1",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	tok, err := s.GetToken(HashToken("raw-secret"))
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Empty(t, tok.Token)
	assert.Equal(t, "u1", tok.UserID)
}

func TestSaveToken_RequiresHash(t *testing.T) {
	s := testDB(t)
	assert.Error(t, s.SaveToken(models.OAuthToken{Token: "raw"}))
}

func TestSaveToken_DuplicateHash(t *testing.T) {
	s := testDB(t)
	tok := models.OAuthToken{TokenHash: HashToken("x"), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.SaveToken(tok))
	assert.ErrorIs(t, s.SaveToken(tok), apperrors.ErrDuplicate)
}

func TestGetToken_ExpiredBeforePurge(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveToken(models.OAuthToken{
		TokenHash: HashToken("old"),
		ExpiresAt: time.Now().Add(-time.Second),
	}))

	tok, err := s.GetToken(HashToken("old"))
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestPurgeExpired(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SaveToken(models.OAuthToken{TokenHash: HashToken("old"), UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, s.SaveToken(models.OAuthToken{TokenHash: HashToken("new"), UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)}))

	first, err := s.ConsumeOnce("merge-1", time.Now().Add(-time.Second))
	require.NoError(t, err)
	require.True(t, first)

	n, err := s.PurgeExpired(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tok, err := s.GetToken(HashToken("new"))
	require.NoError(t, err)
	assert.NotNil(t, tok)

	revoked, err := s.RevokeUserTokens("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)
}

func TestConsumeOnce(t *testing.T) {
	s := testDB(t)
	exp := time.Now().Add(time.Hour)

	first, err := s.ConsumeOnce("k", exp)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.ConsumeOnce("k", exp)
	require.NoError(t, err)
	assert.False(t, again)

	other, err := s.ConsumeOnce("other", exp)
	require.NoError(t, err)
	assert.True(t, other)
}
