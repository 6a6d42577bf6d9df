package database

import (
	"testing"
)

func TestSchemaValidator_ValidateTablesExist(t *testing.T) {
	db := openTestDB(t)
	validator := NewSchemaValidator(db)

	if err := validator.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}

	if err := NewMigrationManager(db, SQLiteMigrations()).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}

	if err := validator.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist() error = %v", err)
	}
}

func TestSchemaValidator_StructureIndexesConstraints(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db, SQLiteMigrations()).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}

	validator := NewSchemaValidator(db)

	if err := validator.ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure() error = %v", err)
	}
	if err := validator.ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes() error = %v", err)
	}
	if err := validator.ValidateConstraints(); err != nil {
		t.Errorf("ValidateConstraints() error = %v", err)
	}

	// Sample rows are rolled back
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM classrooms").Scan(&count); err != nil {
		t.Fatalf("count classrooms: %v", err)
	}
	if count != 0 {
		t.Errorf("expected sample rows to be rolled back, found %d classrooms", count)
	}
}

func TestSchemaValidator_DetectsMissingUniqueConstraint(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE users (id TEXT PRIMARY KEY, name TEXT NOT NULL, role TEXT NOT NULL CHECK (role IN ('teacher', 'student')), created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);
		CREATE TABLE classrooms (id TEXT PRIMARY KEY, name TEXT NOT NULL, access_code TEXT NOT NULL, teacher_id TEXT NOT NULL, teacher_name TEXT NOT NULL DEFAULT '', created_at DATETIME NOT NULL);
		CREATE TABLE classroom_students (classroom_id TEXT NOT NULL REFERENCES classrooms(id), student_id TEXT NOT NULL, joined_at DATETIME NOT NULL, PRIMARY KEY (classroom_id, student_id));
		CREATE TABLE messages (seq INTEGER PRIMARY KEY AUTOINCREMENT, id TEXT NOT NULL UNIQUE, classroom_id TEXT REFERENCES classrooms(id), author TEXT NOT NULL, content TEXT NOT NULL, file_url TEXT, file_name TEXT, file_type TEXT, timestamp DATETIME NOT NULL);
	`)
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}

	if err := NewSchemaValidator(db).ValidateConstraints(); err == nil {
		t.Error("ValidateConstraints should report the missing access_code unique constraint")
	}
}
