package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a sqlite database carries the message schema.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator wraps an open sqlite handle.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist checks for the messages and migration tables.
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"messages", "schema_migrations"} {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure checks the messages columns and their types.
func (v *SchemaValidator) ValidateTableStructure() error {
	messageColumns := map[string]string{
		"id":         "TEXT",
		"channel_id": "TEXT",
		"seq":        "INTEGER",
		"user_name":  "TEXT",
		"user_ref":   "TEXT",
		"content":    "TEXT",
		"sent_at":    "INTEGER",
	}
	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes checks the index backing history reads.
func (v *SchemaValidator) ValidateIndexes() error {
	exists, err := v.exists("index", "idx_messages_channel_time")
	if err != nil {
		return fmt.Errorf("error checking index idx_messages_channel_time: %w", err)
	}
	if !exists {
		return fmt.Errorf("required index idx_messages_channel_time does not exist")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue any
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, typ := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != typ {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, typ)
		}
	}
	return nil
}
