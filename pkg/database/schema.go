package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":              "Identity directory",
		"classrooms":         "Classroom storage",
		"classroom_students": "Membership storage",
		"messages":           "Message log",
		"schema_migrations":  "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"classrooms": {
			"id":           "TEXT",
			"name":         "TEXT",
			"access_code":  "TEXT",
			"teacher_id":   "TEXT",
			"teacher_name": "TEXT",
			"created_at":   "DATETIME",
		},
		"classroom_students": {
			"classroom_id": "TEXT",
			"student_id":   "TEXT",
			"joined_at":    "DATETIME",
		},
		"messages": {
			"seq":          "INTEGER",
			"id":           "TEXT",
			"classroom_id": "TEXT",
			"author":       "TEXT",
			"content":      "TEXT",
			"file_url":     "TEXT",
			"file_name":    "TEXT",
			"file_type":    "TEXT",
			"timestamp":    "DATETIME",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_classrooms_teacher_created": "Teacher classroom listing",
		"idx_classroom_students_student": "Student classroom listing",
		"idx_messages_classroom_seq":     "Message history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that database constraints are properly enforced.
// Sample rows are written inside a transaction that is always rolled back, so nothing leaks into the data.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	// messages.classroom_id -> classrooms.id
	if _, err := tx.Exec(`
		INSERT INTO messages (id, classroom_id, author, content, timestamp)
		VALUES ('sample-message', 'sample-missing', 'sample', 'x', ?)
	`, now); err == nil {
		return errors.New("foreign key constraint not enforced: messages.classroom_id")
	}

	if _, err := tx.Exec(`
		INSERT INTO classrooms (id, name, access_code, teacher_id, created_at)
		VALUES ('sample-a', 'Sample', 'SAMPLE', 't', ?)
	`, now); err != nil {
		return fmt.Errorf("failed to create sample classroom: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO classrooms (id, name, access_code, teacher_id, created_at)
		VALUES ('sample-b', 'Sample', 'SAMPLE', 't', ?)
	`, now); err == nil {
		return errors.New("unique constraint not enforced: classrooms.access_code")
	}

	if _, err := tx.Exec(`
		INSERT INTO classroom_students (classroom_id, student_id, joined_at) VALUES ('sample-a', 's', ?)
	`, now); err != nil {
		return fmt.Errorf("failed to create sample membership: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO classroom_students (classroom_id, student_id, joined_at) VALUES ('sample-a', 's', ?)
	`, now); err == nil {
		return errors.New("primary key not enforced: classroom_students")
	}

	if _, err := tx.Exec(`INSERT INTO users (id, name, role) VALUES ('sample-user', 'Sample', 'admin')`); err == nil {
		return errors.New("check constraint not enforced: users.role")
	}

	return nil
}

// exists checks sqlite_master for an object of the given type
func (v *SchemaValidator) exists(objectType, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		objectType, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, ok := foundColumns[expectedCol]
		if !ok {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
