// Package store is the SQL persistence layer: schema bootstrap, sms/
// contacts/sim_cards tables, the latest-message-per-contact view, and
// the transactional operations the manager, modem sessions, and HTTP
// API all share through one injected *sqlx.DB handle.
package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/mways/smsgatewayd/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS sim_cards (
	id           TEXT PRIMARY KEY,
	imsi         TEXT,
	phone_number TEXT,
	alias        TEXT,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sms (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	timestamp  DATETIME NOT NULL,
	message    TEXT NOT NULL,
	sim_id     TEXT NOT NULL,
	send       BOOLEAN NOT NULL,
	status     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS sms_contact_id ON sms (contact_id);
CREATE INDEX IF NOT EXISTS sms_status ON sms (status);

CREATE VIEW IF NOT EXISTS v_contacts_with_sim AS
SELECT c.id AS id, c.name AS name, s.timestamp AS timestamp,
       s.message AS message, s.status AS status, s.sim_id AS sim_id
FROM contacts c
JOIN sms s ON s.contact_id = c.id
JOIN (
	SELECT contact_id, MAX(id) AS max_id
	FROM sms
	GROUP BY contact_id
) latest ON latest.contact_id = c.id AND latest.max_id = s.id;
`

// Store wraps a process-wide sqlx handle. It is injected explicitly
// into every collaborator that needs it, never held as a package-level
// singleton.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) the sqlite database at path and
// bootstraps the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "bootstrap schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying handle for callers that need raw access.
func (s *Store) DB() *sqlx.DB { return s.db }

// FindOrCreateSimCard inserts a sim_cards row if absent, updating
// imsi/phone_number when a previously-unknown value is now available.
func (s *Store) FindOrCreateSimCard(ctx context.Context, iccid string, imsi, phone *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sim_cards (id, imsi, phone_number) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			imsi = COALESCE(sim_cards.imsi, excluded.imsi),
			phone_number = COALESCE(sim_cards.phone_number, excluded.phone_number),
			updated_at = CURRENT_TIMESTAMP
	`, iccid, imsi, phone)
	if err != nil {
		return errors.Wrap(err, "find or create sim card")
	}
	return nil
}

// SimCardExists reports whether a sim_cards row already exists for id.
func (s *Store) SimCardExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM sim_cards WHERE id = ?)`, id)
	if err != nil {
		return false, errors.Wrap(err, "check sim card existence")
	}
	return exists, nil
}

// GetSimCardsByIDs loads every sim_cards row in ids, keyed by id.
func (s *Store) GetSimCardsByIDs(ctx context.Context, ids []string) (map[string]types.SimCard, error) {
	out := make(map[string]types.SimCard, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM sim_cards WHERE id IN (?)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "build sim card query")
	}
	query = s.db.Rebind(query)
	var cards []types.SimCard
	if err := s.db.SelectContext(ctx, &cards, query, args...); err != nil {
		return nil, errors.Wrap(err, "query sim cards")
	}
	for _, c := range cards {
		out[c.ID] = c
	}
	return out, nil
}

// UpdateSimCardAlias sets a sim_cards row's display alias.
func (s *Store) UpdateSimCardAlias(ctx context.Context, simID, alias string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sim_cards SET alias = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, alias, simID)
	if err != nil {
		return errors.Wrap(err, "update sim card alias")
	}
	return requireRowsAffected(res)
}

// UpdateSimCardPhone sets a sim_cards row's phone number.
func (s *Store) UpdateSimCardPhone(ctx context.Context, simID, phone string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sim_cards SET phone_number = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, phone, simID)
	if err != nil {
		return errors.Wrap(err, "update sim card phone")
	}
	return requireRowsAffected(res)
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read rows affected")
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func findOrCreateContact(ctx context.Context, tx *sqlx.Tx, name string) (string, error) {
	var id string
	err := tx.GetContext(ctx, &id, `SELECT id FROM contacts WHERE name = ?`, name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrap(err, "lookup contact")
	}
	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `INSERT INTO contacts (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, id, name)
	if err != nil {
		return "", errors.Wrap(err, "insert contact")
	}
	if err := tx.GetContext(ctx, &id, `SELECT id FROM contacts WHERE name = ?`, name); err != nil {
		return "", errors.Wrap(err, "reread contact after insert")
	}
	return id, nil
}

// InsertLoadingSms creates a placeholder outbound row in StatusLoading,
// resolving or creating the destination contact by name, and returns
// its id alongside the resolved contact id.
func (s *Store) InsertLoadingSms(ctx context.Context, contact, message, simID string) (int64, string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, "", errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	contactID, err := findOrCreateContact(ctx, tx, contact)
	if err != nil {
		return 0, "", err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sms (contact_id, timestamp, message, sim_id, send, status)
		VALUES (?, CURRENT_TIMESTAMP, ?, ?, 1, ?)
	`, contactID, message, simID, types.StatusLoading)
	if err != nil {
		return 0, "", errors.Wrap(err, "insert loading sms")
	}
	smsID, err := res.LastInsertId()
	if err != nil {
		return 0, "", errors.Wrap(err, "read inserted sms id")
	}
	if err := tx.Commit(); err != nil {
		return 0, "", errors.Wrap(err, "commit transaction")
	}
	return smsID, contactID, nil
}

// UpdateSmsStatus transitions an existing row's status field.
func (s *Store) UpdateSmsStatus(ctx context.Context, smsID int64, status types.SmsStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sms SET status = ? WHERE id = ?`, status, smsID)
	if err != nil {
		return errors.Wrap(err, "update sms status")
	}
	return nil
}

// BulkInsertModemSms persists a batch of inbound ModemSms rows inside
// one transaction, resolving/creating each contact by sender text, and
// returns the distinct contact ids touched for SSE fan-out.
func (s *Store) BulkInsertModemSms(ctx context.Context, msgs []types.ModemSms) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	seen := make(map[string]struct{})
	var touched []string
	for _, m := range msgs {
		contactID, err := findOrCreateContact(ctx, tx, m.Contact)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sms (contact_id, timestamp, message, sim_id, send, status)
			VALUES (?, ?, ?, ?, 0, ?)
		`, contactID, m.Timestamp, m.Message, m.SimID, types.StatusUnread)
		if err != nil {
			return nil, errors.Wrap(err, "insert modem sms")
		}
		if _, ok := seen[contactID]; !ok {
			seen[contactID] = struct{}{}
			touched = append(touched, contactID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return touched, nil
}

// ListSms paginates sms rows, optionally filtered by contact, newest
// first.
func (s *Store) ListSms(ctx context.Context, contactID string, page, perPage int) ([]types.Sms, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	offset := (page - 1) * perPage

	var (
		rows  []types.Sms
		total int
	)
	if contactID != "" {
		if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sms WHERE contact_id = ?`, contactID); err != nil {
			return nil, 0, errors.Wrap(err, "count sms")
		}
		err := s.db.SelectContext(ctx, &rows, `
			SELECT * FROM sms WHERE contact_id = ? ORDER BY id DESC LIMIT ? OFFSET ?
		`, contactID, perPage, offset)
		if err != nil {
			return nil, 0, errors.Wrap(err, "list sms")
		}
	} else {
		if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sms`); err != nil {
			return nil, 0, errors.Wrap(err, "count sms")
		}
		err := s.db.SelectContext(ctx, &rows, `
			SELECT * FROM sms ORDER BY id DESC LIMIT ? OFFSET ?
		`, perPage, offset)
		if err != nil {
			return nil, 0, errors.Wrap(err, "list sms")
		}
	}
	return rows, total, nil
}

// MarkContactPageOneRead selects page 1 of a contact's messages and,
// in the same transaction, flips every Unread row of that contact to
// Read.
func (s *Store) MarkContactPageOneRead(ctx context.Context, contactID string, perPage int) ([]types.Sms, error) {
	if perPage < 1 {
		perPage = 50
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	var page []types.Sms
	err = tx.SelectContext(ctx, &page, `
		SELECT * FROM sms WHERE contact_id = ? ORDER BY id DESC LIMIT ?
	`, contactID, perPage)
	if err != nil {
		return nil, errors.Wrap(err, "select page")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sms SET status = ? WHERE contact_id = ? AND status = ?
	`, types.StatusRead, contactID, types.StatusUnread)
	if err != nil {
		return nil, errors.Wrap(err, "mark read")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return page, nil
}

// MarkContactUnread flips a contact's most recent message back to
// Unread, the inverse of the page-1 auto-read-on-view behavior.
func (s *Store) MarkContactUnread(ctx context.Context, contactID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sms SET status = ?
		WHERE contact_id = ? AND id = (SELECT MAX(id) FROM sms WHERE contact_id = ?)
	`, types.StatusUnread, contactID, contactID)
	if err != nil {
		return errors.Wrap(err, "mark contact unread")
	}
	return requireRowsAffected(res)
}

// ListContacts returns every contact.
func (s *Store) ListContacts(ctx context.Context) ([]types.Contact, error) {
	var contacts []types.Contact
	if err := s.db.SelectContext(ctx, &contacts, `SELECT * FROM contacts ORDER BY name`); err != nil {
		return nil, errors.Wrap(err, "list contacts")
	}
	return contacts, nil
}

// CreateContact inserts a new contact, generating its id.
func (s *Store) CreateContact(ctx context.Context, name string) (types.Contact, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO contacts (id, name) VALUES (?, ?)`, id, name)
	if err != nil {
		return types.Contact{}, errors.Wrap(err, "create contact")
	}
	return types.Contact{ID: id, Name: name}, nil
}

// DeleteContact removes a contact and cascades to its messages inside
// one transaction.
func (s *Store) DeleteContact(ctx context.Context, contactID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sms WHERE contact_id = ?`, contactID); err != nil {
		return errors.Wrap(err, "delete sms")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, contactID)
	if err != nil {
		return errors.Wrap(err, "delete contact")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read rows affected")
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return tx.Commit()
}

// SweepOrphanContacts deletes contacts with no messages, run once at
// startup.
func (s *Store) SweepOrphanContacts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM contacts WHERE id NOT IN (SELECT DISTINCT contact_id FROM sms)
	`)
	if err != nil {
		return errors.Wrap(err, "sweep orphan contacts")
	}
	return nil
}

// Conversations returns the latest-message-per-contact view, newest
// first.
func (s *Store) Conversations(ctx context.Context) ([]types.Conversation, error) {
	rows := []types.Conversation{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM v_contacts_with_sim ORDER BY timestamp DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return rows, nil
}
