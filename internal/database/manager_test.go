package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"classchat/pkg/database"
	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

// Test database setup helpers
func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := database.NewMigrationManager(manager.GetDB(), database.SQLiteMigrations()).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func createTestClassroom(t *testing.T, m *Manager, code string, createdAt time.Time) *types.Classroom {
	t.Helper()
	classroom := &types.Classroom{
		ID:          uuid.NewString(),
		Name:        "Algebra " + code,
		AccessCode:  code,
		TeacherID:   "teacher1",
		TeacherName: "Ms. Smith",
		CreatedAt:   createdAt,
	}
	require.NoError(t, m.CreateClassroom(context.Background(), classroom))
	return classroom
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.DatabaseManager = (*Manager)(nil)
}

func TestManager_CreateAndGetClassroom(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	created := createTestClassroom(t, m, "ABC123", time.Now())

	got, err := m.GetClassroom(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Name, got.Name)
	require.Equal(t, "ABC123", got.AccessCode)
	require.Equal(t, "Ms. Smith", got.TeacherName)
	require.Empty(t, got.Students)
	require.NotNil(t, got.Students)

	byCode, err := m.GetClassroomByAccessCode(ctx, "ABC123")
	require.NoError(t, err)
	require.Equal(t, created.ID, byCode.ID)

	exists, err := m.AccessCodeExists(ctx, "ABC123")
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = m.AccessCodeExists(ctx, "ZZZ999")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestManager_GetClassroomNotFound(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.GetClassroom(context.Background(), "missing")
	require.ErrorIs(t, err, types.ErrClassroomNotFound)
	require.ErrorIs(t, err, types.ErrNotFound)

	_, err = m.GetClassroomByAccessCode(context.Background(), "NOPE00")
	require.ErrorIs(t, err, types.ErrInvalidAccessCode)
}

func TestManager_DuplicateAccessCodeRejected(t *testing.T) {
	m := setupTestDB(t)
	createTestClassroom(t, m, "DUP111", time.Now())

	err := m.CreateClassroom(context.Background(), &types.Classroom{
		ID:         uuid.NewString(),
		Name:       "Other",
		AccessCode: "DUP111",
		TeacherID:  "teacher2",
		CreatedAt:  time.Now(),
	})
	require.ErrorIs(t, err, types.ErrAccessCodeTaken)
	require.ErrorIs(t, err, types.ErrConflict)
}

func TestManager_ConcurrentCreateSameCode(t *testing.T) {
	m := setupTestDB(t)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- m.CreateClassroom(context.Background(), &types.Classroom{
				ID:         uuid.NewString(),
				Name:       fmt.Sprintf("Race %d", i),
				AccessCode: "RACE00",
				TeacherID:  "teacher1",
				CreatedAt:  time.Now(),
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, types.ErrAccessCodeTaken)
	}
	require.Equal(t, 1, succeeded)
}

func TestManager_AddStudent(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	classroom := createTestClassroom(t, m, "JOIN01", time.Now())

	require.NoError(t, m.AddStudent(ctx, classroom.ID, "s1"))
	require.NoError(t, m.AddStudent(ctx, classroom.ID, "s2"))

	err := m.AddStudent(ctx, classroom.ID, "s1")
	require.ErrorIs(t, err, types.ErrAlreadyMember)

	err = m.AddStudent(ctx, "missing", "s1")
	require.ErrorIs(t, err, types.ErrClassroomNotFound)

	got, err := m.GetClassroom(ctx, classroom.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, got.Students)
}

func TestManager_ConcurrentDuplicateJoin(t *testing.T) {
	m := setupTestDB(t)
	classroom := createTestClassroom(t, m, "JOIN02", time.Now())

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.AddStudent(context.Background(), classroom.ID, "same-student")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, types.ErrAlreadyMember):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Equal(t, 7, conflicts)

	got, err := m.GetClassroom(context.Background(), classroom.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"same-student"}, got.Students)
}

func TestManager_ListClassroomsOrdering(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	oldest := createTestClassroom(t, m, "LIST01", base)
	middle := createTestClassroom(t, m, "LIST02", base.Add(time.Minute))
	newest := createTestClassroom(t, m, "LIST03", base.Add(2*time.Minute))

	owned, err := m.ListClassroomsByTeacher(ctx, "teacher1")
	require.NoError(t, err)
	require.Len(t, owned, 3)
	require.Equal(t, []string{newest.ID, middle.ID, oldest.ID}, []string{owned[0].ID, owned[1].ID, owned[2].ID})

	require.NoError(t, m.AddStudent(ctx, oldest.ID, "s1"))
	require.NoError(t, m.AddStudent(ctx, newest.ID, "s1"))

	enrolled, err := m.ListClassroomsByStudent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, enrolled, 2)
	require.Equal(t, newest.ID, enrolled[0].ID)
	require.Equal(t, oldest.ID, enrolled[1].ID)
	require.Equal(t, []string{"s1"}, enrolled[0].Students)

	none, err := m.ListClassroomsByStudent(ctx, "nobody")
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}

func TestManager_AppendAndListMessages(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	classroom := createTestClassroom(t, m, "MSG001", time.Now())

	const n = 25
	for i := 0; i < n; i++ {
		_, err := m.AppendClassroomMessage(ctx, classroom.ID, "alice", fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}

	messages, err := m.ListClassroomMessages(ctx, classroom.ID)
	require.NoError(t, err)
	require.Len(t, messages, n)

	for i, msg := range messages {
		require.Equal(t, fmt.Sprintf("message %d", i), msg.Content)
		require.NotNil(t, msg.ClassroomID)
		require.Equal(t, classroom.ID, *msg.ClassroomID)
		if i > 0 {
			require.False(t, msg.Timestamp.Before(messages[i-1].Timestamp), "timestamps must not decrease")
			require.NotEqual(t, messages[i-1].ID, msg.ID)
		}
	}
}

func TestManager_ContentRules(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	classroom := createTestClassroom(t, m, "MSG002", time.Now())

	_, err := m.AppendClassroomMessage(ctx, classroom.ID, "alice", "   ", nil)
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = m.AppendClassroomMessage(ctx, "", "alice", "hi", nil)
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = m.AppendClassroomMessage(ctx, classroom.ID, "", "hi", nil)
	require.ErrorIs(t, err, types.ErrValidation)

	att := &types.Attachment{URL: "/uploads/1-abc.pdf", OriginalName: "notes.pdf", ContentType: "application/pdf"}
	stored, err := m.AppendClassroomMessage(ctx, classroom.ID, "alice", "", att)
	require.NoError(t, err)
	require.Equal(t, " ", stored.Content)

	reloaded, err := m.GetMessage(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, " ", reloaded.Content)
	require.Equal(t, att, reloaded.Attachment)

	trimmed, err := m.AppendClassroomMessage(ctx, classroom.ID, " alice ", "  hi  ", nil)
	require.NoError(t, err)
	require.Equal(t, "hi", trimmed.Content)
	require.Equal(t, "alice", trimmed.Author)
	require.Nil(t, trimmed.Attachment)
}

func TestManager_UnknownClassroomMessage(t *testing.T) {
	m := setupTestDB(t)

	_, err := m.AppendClassroomMessage(context.Background(), "missing", "alice", "hi", nil)
	require.ErrorIs(t, err, types.ErrClassroomNotFound)

	_, err = m.GetMessage(context.Background(), "missing")
	require.ErrorIs(t, err, types.ErrMessageNotFound)
}

func TestManager_GlobalAndClassroomDisjoint(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	classroom := createTestClassroom(t, m, "MSG003", time.Now())

	_, err := m.AppendGlobalMessage(ctx, "bob", "global 1", nil)
	require.NoError(t, err)
	_, err = m.AppendClassroomMessage(ctx, classroom.ID, "alice", "scoped", nil)
	require.NoError(t, err)
	_, err = m.AppendGlobalMessage(ctx, "bob", "global 2", nil)
	require.NoError(t, err)

	global, err := m.ListGlobalMessages(ctx)
	require.NoError(t, err)
	require.Len(t, global, 2)
	for _, msg := range global {
		require.Nil(t, msg.ClassroomID)
	}
	require.Equal(t, "global 1", global[0].Content)
	require.Equal(t, "global 2", global[1].Content)

	scoped, err := m.ListClassroomMessages(ctx, classroom.ID)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.Equal(t, "scoped", scoped[0].Content)
}

func TestManager_AppendSurvivesCancelledContext(t *testing.T) {
	m := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := m.AppendGlobalMessage(ctx, "alice", "still stored", nil)
	require.NoError(t, err)

	stored, err := m.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.Equal(t, "still stored", stored.Content)
}

func TestManager_ClockSeededFromStorage(t *testing.T) {
	config := database.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "reopen.db")

	first, err := NewManager(config, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, database.NewMigrationManager(first.GetDB(), database.SQLiteMigrations()).ApplyMigrations())

	// Simulate a stored message from the future, as after a wall-clock step backwards
	future := time.Now().UTC().Add(time.Hour)
	_, err = first.GetDB().Exec(
		`INSERT INTO messages (id, author, content, timestamp) VALUES ('01FUTURE', 'x', 'y', ?)`, future)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewManager(config, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	msg, err := second.AppendGlobalMessage(context.Background(), "alice", "after restart", nil)
	require.NoError(t, err)
	require.False(t, msg.Timestamp.Before(future))
}

func TestManager_Users(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	_, err := m.GetUser(ctx, "t1")
	require.ErrorIs(t, err, types.ErrUserNotFound)

	require.NoError(t, m.UpsertUser(ctx, &types.User{ID: "t1", Name: "Ms. Smith", Role: types.RoleTeacher}))
	require.NoError(t, m.UpsertUser(ctx, &types.User{ID: "t1", Name: "Dr. Smith", Role: types.RoleTeacher}))

	user, err := m.GetUser(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "Dr. Smith", user.Name)
	require.True(t, user.IsTeacher())

	err = m.UpsertUser(ctx, &types.User{ID: "x", Name: "X", Role: "admin"})
	require.ErrorIs(t, err, types.ErrValidation)
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)

	require.NoError(t, m.HealthCheck(context.Background()))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "second close must be a no-op")

	_, err := m.AppendGlobalMessage(context.Background(), "alice", "late", nil)
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_CloseRejectsQueuedWrites(t *testing.T) {
	m := setupTestDB(t)

	// Park the write loop inside an operation
	release := make(chan struct{})
	parked := make(chan struct{})
	blockerDone := make(chan error, 1)
	go func() {
		blockerDone <- m.executeWrite(func(*sql.DB) error {
			close(parked)
			<-release
			return nil
		})
	}()
	<-parked

	const queued = 5
	var ran atomic.Int32
	results := make(chan error, queued)
	for i := 0; i < queued; i++ {
		go func() {
			results <- m.executeWrite(func(*sql.DB) error {
				ran.Add(1)
				return nil
			})
		}()
	}
	require.Eventually(t, func() bool { return len(m.writeChannel) == queued }, time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	<-m.shutdown
	close(release)

	require.NoError(t, <-blockerDone)
	for i := 0; i < queued; i++ {
		select {
		case err := <-results:
			require.ErrorIs(t, err, ErrShuttingDown)
		case <-time.After(2 * time.Second):
			t.Fatal("queued write never answered after Close")
		}
	}
	require.NoError(t, <-closed)
	require.Zero(t, ran.Load(), "queued writes must not run after shutdown")
}
