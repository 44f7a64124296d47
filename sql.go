package greylist

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SQLDatabase implements Database on top of database/sql. The supported
// drivers are sqlite3, postgres and mysql.
type SQLDatabase struct {
	sqlDB                  *sql.DB
	driver                 string
	insertMailQuery        string
	insertMailRcptQuery    string
	upsertRecipientStmt    *sql.Stmt
	getRecipientStmt       *sql.Stmt
	findByMessageIDStmt    *sql.Stmt
	findAcceptedFromIPStmt *sql.Stmt
	updateStatusStmt       *sql.Stmt
	recentMailsStmt        *sql.Stmt
	mailRecipientsStmt     *sql.Stmt
}

const mailColumns = "id, sender_local_part, sender_domain, message_id, sending_host_name, sending_ip, time_received, time_accepted, status"

var schemas = map[string][]string{
	"sqlite3": {
		`CREATE TABLE IF NOT EXISTS mail (
			id                INTEGER PRIMARY KEY,
			sender_local_part TEXT NOT NULL,
			sender_domain     TEXT NOT NULL,
			message_id        TEXT NOT NULL,
			sending_host_name TEXT,
			sending_ip        TEXT NOT NULL,
			time_received     TIMESTAMP NOT NULL,
			time_accepted     TIMESTAMP,
			status            INTEGER NOT NULL,
			UNIQUE(message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS mail_sending_ip ON mail(sending_ip)`,
		`CREATE TABLE IF NOT EXISTS recipient (
			id        INTEGER PRIMARY KEY,
			recipient TEXT NOT NULL,
			UNIQUE(recipient)
		)`,
		`CREATE TABLE IF NOT EXISTS mail_recipient (
			mail_id      INTEGER NOT NULL REFERENCES mail(id) ON DELETE RESTRICT,
			recipient_id INTEGER NOT NULL REFERENCES recipient(id) ON DELETE RESTRICT,
			PRIMARY KEY(mail_id, recipient_id)
		)`,
	},
	"postgres": {
		`CREATE TABLE IF NOT EXISTS mail (
			id                BIGSERIAL PRIMARY KEY,
			sender_local_part TEXT NOT NULL,
			sender_domain     TEXT NOT NULL,
			message_id        TEXT NOT NULL,
			sending_host_name TEXT,
			sending_ip        TEXT NOT NULL,
			time_received     TIMESTAMPTZ NOT NULL,
			time_accepted     TIMESTAMPTZ,
			status            SMALLINT NOT NULL,
			UNIQUE(message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS mail_sending_ip ON mail(sending_ip)`,
		`CREATE TABLE IF NOT EXISTS recipient (
			id        BIGSERIAL PRIMARY KEY,
			recipient TEXT NOT NULL,
			UNIQUE(recipient)
		)`,
		`CREATE TABLE IF NOT EXISTS mail_recipient (
			mail_id      BIGINT NOT NULL REFERENCES mail(id) ON DELETE RESTRICT,
			recipient_id BIGINT NOT NULL REFERENCES recipient(id) ON DELETE RESTRICT,
			PRIMARY KEY(mail_id, recipient_id)
		)`,
	},
	"mysql": {
		// times are stored in UTC, DATETIME(6) keeps sub-second precision
		`CREATE TABLE IF NOT EXISTS mail (
			id                BIGINT AUTO_INCREMENT PRIMARY KEY,
			sender_local_part VARCHAR(255) NOT NULL,
			sender_domain     VARCHAR(255) NOT NULL,
			message_id        VARCHAR(255) NOT NULL,
			sending_host_name VARCHAR(255),
			sending_ip        VARCHAR(45) NOT NULL,
			time_received     DATETIME(6) NOT NULL,
			time_accepted     DATETIME(6),
			status            SMALLINT NOT NULL,
			UNIQUE(message_id),
			INDEX mail_sending_ip (sending_ip)
		)`,
		`CREATE TABLE IF NOT EXISTS recipient (
			id        BIGINT AUTO_INCREMENT PRIMARY KEY,
			recipient VARCHAR(255) NOT NULL,
			UNIQUE(recipient)
		)`,
		`CREATE TABLE IF NOT EXISTS mail_recipient (
			mail_id      BIGINT NOT NULL,
			recipient_id BIGINT NOT NULL,
			PRIMARY KEY(mail_id, recipient_id),
			FOREIGN KEY (mail_id) REFERENCES mail(id) ON DELETE RESTRICT,
			FOREIGN KEY (recipient_id) REFERENCES recipient(id) ON DELETE RESTRICT
		)`,
	},
}

// rebind rewrites ? placeholders to the $n form postgres expects.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (db *SQLDatabase) mustPrepare(query string) *sql.Stmt {
	stmt, err := db.sqlDB.Prepare(rebind(db.driver, query))
	if err != nil {
		panic(err)
	}
	return stmt
}

// OpenDatabase opens the database, creates missing tables and indexes and
// applies the pool limits: at most 100 connections, at most one of them
// idle, idle connections closed after five seconds. No minimum number of
// open connections is kept. (The connect timeout travels in the DSN.)
func OpenDatabase(driver, dsn string) (Database, error) {

	schema, ok := schemas[driver]
	if !ok {
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxIdleTime(5 * time.Second)

	for _, stmt := range schema {
		if _, err := sqlDB.Exec(stmt); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	db := &SQLDatabase{sqlDB: sqlDB, driver: driver}

	db.insertMailQuery = rebind(driver, "INSERT INTO mail (sender_local_part, sender_domain, message_id, sending_host_name, sending_ip, time_received, time_accepted, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if driver == "postgres" {
		db.insertMailQuery += " RETURNING id"
	}
	db.insertMailRcptQuery = rebind(driver, "INSERT INTO mail_recipient (mail_id, recipient_id) VALUES (?, ?)")

	upsert := "INSERT INTO recipient (recipient) VALUES (?) ON CONFLICT (recipient) DO NOTHING"
	if driver == "mysql" {
		upsert = "INSERT IGNORE INTO recipient (recipient) VALUES (?)"
	}
	db.upsertRecipientStmt = db.mustPrepare(upsert)
	db.getRecipientStmt = db.mustPrepare("SELECT id, recipient FROM recipient WHERE recipient = ?")
	db.findByMessageIDStmt = db.mustPrepare("SELECT " + mailColumns + " FROM mail WHERE message_id = ?")
	db.findAcceptedFromIPStmt = db.mustPrepare("SELECT " + mailColumns + " FROM mail WHERE sending_ip = ? AND status IN (?, ?, ?) LIMIT 1")
	db.updateStatusStmt = db.mustPrepare("UPDATE mail SET status = ?, time_accepted = ? WHERE id = ?")
	db.recentMailsStmt = db.mustPrepare("SELECT " + mailColumns + " FROM mail ORDER BY id DESC LIMIT ?")
	db.mailRecipientsStmt = db.mustPrepare("SELECT r.recipient FROM recipient r, mail_recipient mr WHERE mr.mail_id = ? AND mr.recipient_id = r.id ORDER BY r.id")

	return db, nil
}

func (db *SQLDatabase) Close() error {
	return db.sqlDB.Close()
}

func (db *SQLDatabase) UpsertRecipient(address string) (*RecipientRow, error) {

	if _, err := db.upsertRecipientStmt.Exec(address); err != nil {
		return nil, fmt.Errorf("inserting recipient: %w", err)
	}

	row := &RecipientRow{}
	if err := db.getRecipientStmt.QueryRow(address).Scan(&row.ID, &row.Recipient); err != nil {
		return nil, fmt.Errorf("loading recipient: %w", err)
	}
	return row, nil
}

func scanMail(row interface{ Scan(...interface{}) error }) (*MailRow, error) {
	var (
		mail     MailRow
		hostName sql.NullString
		accepted sql.NullTime
	)
	if err := row.Scan(&mail.ID, &mail.SenderLocalPart, &mail.SenderDomain, &mail.MessageID,
		&hostName, &mail.SendingIP, &mail.TimeReceived, &accepted, &mail.Status); err != nil {
		return nil, err
	}
	if hostName.Valid {
		mail.SendingHostName = &hostName.String
	}
	if accepted.Valid {
		t := accepted.Time
		mail.TimeAccepted = &t
	}
	return &mail, nil
}

func (db *SQLDatabase) FindMailByMessageID(messageID string) (*MailRow, error) {
	mail, err := scanMail(db.findByMessageIDStmt.QueryRow(messageID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mail, err
}

func (db *SQLDatabase) FindAcceptedFromIP(ip string) (*MailRow, error) {
	mail, err := scanMail(db.findAcceptedFromIPStmt.QueryRow(ip, PassedGreylistAccepted, KnownGoodAccepted, OtherAccepted))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return mail, err
}

func (db *SQLDatabase) CommitDecision(mail *MailRow, recipients []*RecipientRow) error {

	tx, err := db.sqlDB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var hostName interface{}
	if mail.SendingHostName != nil {
		hostName = *mail.SendingHostName
	}
	var accepted interface{}
	if mail.TimeAccepted != nil {
		accepted = mail.TimeAccepted.UTC()
	}

	args := []interface{}{mail.SenderLocalPart, mail.SenderDomain, mail.MessageID,
		hostName, mail.SendingIP, mail.TimeReceived.UTC(), accepted, mail.Status}

	if db.driver == "postgres" {
		err = tx.QueryRow(db.insertMailQuery, args...).Scan(&mail.ID)
	} else {
		var result sql.Result
		result, err = tx.Exec(db.insertMailQuery, args...)
		if err == nil {
			mail.ID, err = result.LastInsertId()
		}
	}
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMail
		}
		return fmt.Errorf("inserting mail: %w", err)
	}

	for _, recipient := range recipients {
		if _, err := tx.Exec(db.insertMailRcptQuery, mail.ID, recipient.ID); err != nil {
			return fmt.Errorf("linking recipient %d: %w", recipient.ID, err)
		}
	}

	return tx.Commit()
}

func (db *SQLDatabase) UpdateStatus(mailID int64, status Status, timeAccepted *time.Time) error {

	var accepted interface{}
	if timeAccepted != nil {
		accepted = timeAccepted.UTC()
	}

	result, err := db.updateStatusStmt.Exec(status, accepted, mailID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrMailNotFound
	}
	return nil
}

func (db *SQLDatabase) RecentMails(limit int) ([]*MailRow, error) {

	rows, err := db.recentMailsStmt.Query(limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mails := []*MailRow{}
	for rows.Next() {
		mail, err := scanMail(rows)
		if err != nil {
			return nil, err
		}
		mails = append(mails, mail)
	}
	return mails, rows.Err()
}

func (db *SQLDatabase) MailRecipients(mailID int64) ([]string, error) {

	rows, err := db.mailRecipientsStmt.Query(mailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []string{}
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// isUniqueViolation recognises a unique key conflict from any of the three
// supported drivers.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
