package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"classchat/internal/blobstore"
	"classchat/internal/chat"
	"classchat/internal/classroom"
	"classchat/internal/database"
	"classchat/internal/hub"
	"classchat/internal/websocket"
	dbconfig "classchat/pkg/database"
	"classchat/pkg/types"
)

type fixture struct {
	server  *Server
	store   *database.Manager
	hub     *hub.Hub
	uploads string
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

func newFixture(t *testing.T, chatOpts ...chat.Option) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	dir := t.TempDir()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(dir, "api.db")
	store, err := database.NewManager(config, logger)
	require.NoError(t, err)
	require.NoError(t, dbconfig.NewMigrationManager(store.GetDB(), dbconfig.SQLiteMigrations()).ApplyMigrations())
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &types.User{ID: "teacher1", Name: "Ms. Smith", Role: types.RoleTeacher}))
	require.NoError(t, store.UpsertUser(ctx, &types.User{ID: "student1", Name: "Sam", Role: types.RoleStudent}))
	require.NoError(t, store.UpsertUser(ctx, &types.User{ID: "student2", Name: "Alex", Role: types.RoleStudent}))

	registry := websocket.NewRegistry()
	h, err := hub.NewHub(registry, logger)
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() {
		if h.Running() {
			_ = h.Stop()
		}
	})

	svc, err := chat.NewService(store, h, logger, chatOpts...)
	require.NoError(t, err)

	uploads := filepath.Join(dir, "uploads")
	blobs, err := blobstore.NewDiskStore(blobstore.Config{Dir: uploads, MaxBytes: 1 << 20}, logger)
	require.NoError(t, err)

	server := NewServer(Dependencies{
		Classrooms: classroom.NewRegistry(store, store, logger),
		Chat:       svc,
		Blobs:      blobs,
		Database:   store,
		Registry:   registry,
		Hub:        h,
		Uploads:    blobs.Handler(),
		WebSocket:  websocket.NewHandler(registry, svc, websocket.DefaultHandlerConfig(), logger),
	}, DefaultConfig(), logger)

	return &fixture{server: server, store: store, hub: h, uploads: uploads}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) createClassroom(t *testing.T, name string) *types.Classroom {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/classrooms", map[string]string{"name": name, "teacher_id": "teacher1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*types.Classroom](t, rec)
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, code int, message string) {
	t.Helper()
	require.Equal(t, code, rec.Code, rec.Body.String())
	body := decode[ErrorResponse](t, rec)
	require.Equal(t, code, body.Code)
	require.Equal(t, http.StatusText(code), body.Error)
	if message != "" {
		require.Equal(t, message, body.Message)
	}
}

func TestServer_CreateClassroom(t *testing.T) {
	f := newFixture(t)

	c := f.createClassroom(t, "  Biology 101 ")
	require.Equal(t, "Biology 101", c.Name)
	require.Len(t, c.AccessCode, 6)
	require.Equal(t, "Ms. Smith", c.TeacherName, "teacher name defaults to the directory name")
	require.Empty(t, c.Students)

	// Legacy alias
	rec := f.do(t, http.MethodPost, "/api/classrooms/create", map[string]string{"name": "Chem", "teacher_id": "teacher1", "teacher_name": "Dr. S"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "Dr. S", decode[*types.Classroom](t, rec).TeacherName)
}

func TestServer_CreateClassroomErrors(t *testing.T) {
	f := newFixture(t)

	requireError(t, f.do(t, http.MethodPost, "/api/classrooms", map[string]string{"teacher_id": "teacher1"}),
		http.StatusBadRequest, "name is required")
	requireError(t, f.do(t, http.MethodPost, "/api/classrooms", map[string]string{"name": "   ", "teacher_id": "teacher1"}),
		http.StatusBadRequest, "classroom name is required")
	requireError(t, f.do(t, http.MethodPost, "/api/classrooms", map[string]string{"name": strings.Repeat("a", 201), "teacher_id": "teacher1"}),
		http.StatusBadRequest, "")
	requireError(t, f.do(t, http.MethodPost, "/api/classrooms", map[string]string{"name": "Art", "teacher_id": "student1"}),
		http.StatusForbidden, "only teachers can create classrooms")
	requireError(t, f.do(t, http.MethodPost, "/api/classrooms", map[string]string{"name": "Art", "teacher_id": "ghost"}),
		http.StatusForbidden, "")

	req := httptest.NewRequest(http.MethodPost, "/api/classrooms", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	requireError(t, rec, http.StatusBadRequest, "invalid JSON")

	// Nothing was persisted by the student attempt
	list := f.do(t, http.MethodGet, "/api/classrooms/user/student1", nil)
	require.Equal(t, http.StatusOK, list.Code)
	require.Empty(t, decode[[]*types.Classroom](t, list))
}

func TestServer_JoinClassroom(t *testing.T) {
	f := newFixture(t)
	c := f.createClassroom(t, "Biology")

	rec := f.do(t, http.MethodPost, "/api/classrooms/join", map[string]string{
		"access_code": strings.ToLower(c.AccessCode),
		"student_id":  "student1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := decode[*types.Classroom](t, rec)
	require.Equal(t, []string{"student1"}, joined.Students)

	requireError(t, f.do(t, http.MethodPost, "/api/classrooms/join", map[string]string{"access_code": c.AccessCode, "student_id": "student1"}),
		http.StatusConflict, "you are already in this classroom")
	requireError(t, f.do(t, http.MethodPost, "/api/classrooms/join", map[string]string{"access_code": "ZZZZZZ", "student_id": "student2"}),
		http.StatusNotFound, "invalid access code")
	requireError(t, f.do(t, http.MethodPost, "/api/classrooms/join", map[string]string{"student_id": "student2"}),
		http.StatusBadRequest, "access_code is required")

	detail := f.do(t, http.MethodGet, "/api/classrooms/room/"+c.ID, nil)
	require.Equal(t, http.StatusOK, detail.Code)
	require.Equal(t, []string{"student1"}, decode[*types.Classroom](t, detail).Students)
}

func TestServer_ListClassrooms(t *testing.T) {
	f := newFixture(t)
	first := f.createClassroom(t, "First")
	time.Sleep(5 * time.Millisecond)
	second := f.createClassroom(t, "Second")

	for _, path := range []string{"/api/classrooms/user/teacher1", "/api/classrooms/teacher1"} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[[]*types.Classroom](t, rec)
		require.Len(t, list, 2)
		require.Equal(t, second.ID, list[0].ID, "newest first")
		require.Equal(t, first.ID, list[1].ID)
	}

	requireError(t, f.do(t, http.MethodGet, "/api/classrooms/user/ghost", nil), http.StatusNotFound, "user not found")
	requireError(t, f.do(t, http.MethodGet, "/api/classrooms/room/nope", nil), http.StatusNotFound, "classroom not found")
}

func TestServer_ClassroomMessages(t *testing.T) {
	f := newFixture(t)
	c := f.createClassroom(t, "Biology")

	for _, content := range []string{"first", "second", "third"} {
		rec := f.do(t, http.MethodPost, "/api/messages", map[string]string{
			"classroom_id": c.ID,
			"author":       "Sam",
			"content":      content,
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodGet, "/api/messages/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]*types.Message](t, rec)
	require.Len(t, history, 3)
	require.Equal(t, "first", history[0].Content)
	require.Equal(t, "third", history[2].Content)

	global := f.do(t, http.MethodGet, "/api/messages", nil)
	require.Equal(t, http.StatusOK, global.Code)
	require.Empty(t, decode[[]*types.Message](t, global), "classroom messages never appear in the global channel")
}

func TestServer_SubmitErrors(t *testing.T) {
	f := newFixture(t)
	c := f.createClassroom(t, "Biology")

	requireError(t, f.do(t, http.MethodPost, "/api/messages", map[string]string{"classroom_id": c.ID, "author": "Sam", "content": "  "}),
		http.StatusBadRequest, "message content is required")
	requireError(t, f.do(t, http.MethodPost, "/api/messages", map[string]string{"author": "Sam", "content": "hi"}),
		http.StatusBadRequest, "classroom_id is required")
	requireError(t, f.do(t, http.MethodPost, "/api/messages", map[string]string{"classroom_id": c.ID, "content": "hi"}),
		http.StatusBadRequest, "author is required")
	requireError(t, f.do(t, http.MethodPost, "/api/messages", map[string]string{"classroom_id": "missing", "author": "Sam", "content": "hi"}),
		http.StatusNotFound, "classroom not found")
}

func TestServer_RateLimited(t *testing.T) {
	f := newFixture(t, chat.WithLimiter(denyAll{}))

	rec := f.do(t, http.MethodPost, "/api/messages/global", map[string]string{"author": "Sam", "content": "hi"})
	requireError(t, rec, http.StatusTooManyRequests, "")
}

func multipartBody(t *testing.T, fields map[string]string, fileName, fileContent string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write([]byte(fileContent))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func TestServer_MultipartUpload(t *testing.T) {
	f := newFixture(t)
	c := f.createClassroom(t, "Biology")

	body, contentType := multipartBody(t, map[string]string{"classroom_id": c.ID, "author": "Sam"}, "notes.txt", "photosynthesis notes")
	req := httptest.NewRequest(http.MethodPost, "/api/messages", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	msg := decode[*types.Message](t, rec)
	require.Equal(t, types.FileOnlyContent, msg.Content, "file-only message is stored as a single space")
	require.NotNil(t, msg.Attachment)
	require.Equal(t, "notes.txt", msg.Attachment.OriginalName)
	require.True(t, strings.HasPrefix(msg.Attachment.URL, "/uploads/"))

	// The stored file is served back
	get := httptest.NewRecorder()
	f.server.ServeHTTP(get, httptest.NewRequest(http.MethodGet, msg.Attachment.URL, nil))
	require.Equal(t, http.StatusOK, get.Code)
	require.Equal(t, "photosynthesis notes", get.Body.String())

	// Multipart without a file behaves like JSON
	body, contentType = multipartBody(t, map[string]string{"author": "Sam", "content": "global text"}, "", "")
	req = httptest.NewRequest(http.MethodPost, "/api/messages/global", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Nil(t, decode[*types.Message](t, rec).Attachment)
}

func TestServer_AcceptsCamelCaseKeys(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/classrooms/create", map[string]string{"name": "Chem", "teacherId": "teacher1", "teacherName": "Dr. S"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decode[*types.Classroom](t, rec)
	require.Equal(t, "teacher1", c.TeacherID)
	require.Equal(t, "Dr. S", c.TeacherName)

	rec = f.do(t, http.MethodPost, "/api/classrooms/join", map[string]string{"accessCode": c.AccessCode, "studentId": "student1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, []string{"student1"}, decode[*types.Classroom](t, rec).Students)

	rec = f.do(t, http.MethodPost, "/api/messages", map[string]string{"classroomId": c.ID, "author": "Sam", "content": "json alias"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, c.ID, *decode[*types.Message](t, rec).ClassroomID)

	body, contentType := multipartBody(t, map[string]string{"classroomId": c.ID, "author": "Sam", "content": "form alias"}, "", "")
	req := httptest.NewRequest(http.MethodPost, "/api/messages", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	history := decode[[]*types.Message](t, f.do(t, http.MethodGet, "/api/messages/"+c.ID, nil))
	require.Len(t, history, 2)
	require.Equal(t, "form alias", history[1].Content)

	// The snake_case key wins when both are sent
	rec = f.do(t, http.MethodPost, "/api/classrooms/join", map[string]string{"access_code": "ZZZZZZ", "accessCode": c.AccessCode, "student_id": "student2"})
	requireError(t, rec, http.StatusNotFound, "invalid access code")
}

func TestServer_RejectedUploadIsNotKept(t *testing.T) {
	tests := []struct {
		name   string
		opts   []chat.Option
		fields func(c *types.Classroom) map[string]string
		code   int
	}{
		{
			name:   "rate limited",
			opts:   []chat.Option{chat.WithLimiter(denyAll{})},
			fields: func(c *types.Classroom) map[string]string { return map[string]string{"classroom_id": c.ID, "author": "Sam"} },
			code:   http.StatusTooManyRequests,
		},
		{
			name:   "unknown classroom",
			fields: func(*types.Classroom) map[string]string { return map[string]string{"classroom_id": "missing", "author": "Sam"} },
			code:   http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			c := f.createClassroom(t, "Biology")

			body, contentType := multipartBody(t, tt.fields(c), "page.html", "<script>alert(1)</script>")
			req := httptest.NewRequest(http.MethodPost, "/api/messages", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			f.server.ServeHTTP(rec, req)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())

			entries, err := os.ReadDir(f.uploads)
			require.NoError(t, err)
			require.Empty(t, entries)
		})
	}
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	require.Equal(t, "healthy", health.Status)
	require.Equal(t, "healthy", health.Database)

	require.NoError(t, f.hub.Stop())
	rec = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "stopped", decode[HealthResponse](t, rec).Hub)
}

func TestServer_MetricsAndCORS(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/health", nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "classchat_http_requests_total")

	req := httptest.NewRequest(http.MethodOptions, "/api/messages", nil)
	req.Header.Set("Origin", "http://school.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type, X-Connection-ID")
	pre := httptest.NewRecorder()
	f.server.ServeHTTP(pre, req)
	require.Equal(t, "*", pre.Header().Get("Access-Control-Allow-Origin"))

	requireError(t, f.do(t, http.MethodGet, "/nowhere", nil), http.StatusNotFound, "route not found")
}
