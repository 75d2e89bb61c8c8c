// Package profile manages the profiles table: one row per API credential,
// scoped to an account, authenticated by the operator HTTP surface's
// x-bria-api-key header. Profiles are plain rows, not event-sourced — a
// credential is issued once and revoked by deletion, never amended in
// place, so there is no lifecycle worth auditing as events.
package profile

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/briacore/custody/internal/errs"
	"github.com/briacore/custody/internal/primitives"
	"github.com/briacore/custody/internal/store"
)

// Profile is one issued API credential.
type Profile struct {
	ID        primitives.ProfileId
	AccountID primitives.AccountId
	Name      string
}

// apiKeyBytes is the raw entropy length of a generated key, hex-encoded to
// 64 characters on the wire.
const apiKeyBytes = 32

// Create issues a new profile and its API key. The raw key is returned
// exactly once — only its SHA-256 hash is persisted, so losing it means
// issuing a new one, not recovering the old.
//
// No hashing library appears anywhere in the corpus this core is grounded
// on; crypto/sha256 is the standard library's own answer for a fixed-length
// credential digest and needs no third-party replacement.
func Create(ctx context.Context, q store.Querier, accountID primitives.AccountId, name string) (profile Profile, rawAPIKey string, err error) {
	rawAPIKey, err = generateAPIKey()
	if err != nil {
		return Profile{}, "", errs.Wrap(errs.KindInternal, fmt.Errorf("generate api key: %w", err))
	}

	id := primitives.NewProfileId()
	hash := hashAPIKey(rawAPIKey)
	if _, err := q.ExecContext(ctx,
		`INSERT INTO profiles (id, account_id, name, api_key_hash) VALUES (?, ?, ?, ?)`,
		id.String(), accountID.String(), name, hash,
	); err != nil {
		return Profile{}, "", errs.Wrap(errs.KindStorage, fmt.Errorf("create profile %q: %w", name, err))
	}

	return Profile{ID: id, AccountID: accountID, Name: name}, rawAPIKey, nil
}

// Authenticate looks up the profile owning rawAPIKey. Returns
// errs.KindNotFound if no profile's hash matches — the same response
// whether the key is malformed or simply unknown, so a timing or error-shape
// side channel can't distinguish the two.
func Authenticate(ctx context.Context, q store.Querier, rawAPIKey string) (Profile, error) {
	hash := hashAPIKey(rawAPIKey)

	row := q.QueryRowContext(ctx,
		`SELECT id, account_id, name FROM profiles WHERE api_key_hash = ?`, hash,
	)
	var idStr, accStr, name string
	if err := row.Scan(&idStr, &accStr, &name); err != nil {
		if err == sql.ErrNoRows {
			return Profile{}, errs.Wrap(errs.KindNotFound, fmt.Errorf("api key not recognized"))
		}
		return Profile{}, errs.Wrap(errs.KindStorage, fmt.Errorf("look up api key: %w", err))
	}

	id, err := primitives.ParseProfileId(idStr)
	if err != nil {
		return Profile{}, errs.Wrap(errs.KindInternal, fmt.Errorf("parse profile id: %w", err))
	}
	accountID, err := primitives.ParseAccountId(accStr)
	if err != nil {
		return Profile{}, errs.Wrap(errs.KindInternal, fmt.Errorf("parse account id for profile %s: %w", id, err))
	}

	return Profile{ID: id, AccountID: accountID, Name: name}, nil
}

func generateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func hashAPIKey(rawAPIKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawAPIKey)))
	return hex.EncodeToString(sum[:])
}
