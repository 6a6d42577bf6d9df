package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"classchat/internal/app"
	"classchat/internal/config"
	"classchat/pkg/types"
)

// startApp runs a full application on an ephemeral port with seeded users
func startApp(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "classchat.db")
	cfg.Uploads.Dir = filepath.Join(dir, "uploads")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	ctx := context.Background()
	application, err := app.NewApplication(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)

	users := []*types.User{
		{ID: "teacher1", Name: "Ms. Smith", Role: types.RoleTeacher},
		{ID: "student1", Name: "Sam", Role: types.RoleStudent},
		{ID: "student2", Name: "Alex", Role: types.RoleStudent},
	}
	for _, u := range users {
		require.NoError(t, application.Users().UpsertUser(ctx, u))
	}

	require.NoError(t, application.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(stopCtx)
	})
	return application
}

type client struct {
	base string
	http *http.Client
}

func newClient(application *app.Application) *client {
	return &client{
		base: "http://" + application.Addr(),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *client) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := c.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (c *client) postJSON(t *testing.T, path string, body any, headers ...string) (int, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return c.do(t, req)
}

func (c *client) postFile(t *testing.T, path string, fields map[string]string, fileName string, content []byte) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, c.base+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(t, req)
}

func (c *client) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	require.NoError(t, err)
	return c.do(t, req)
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

type frame struct {
	Type         string          `json:"type"`
	Room         string          `json:"room"`
	ConnectionID string          `json:"connection_id"`
	Message      json.RawMessage `json:"message"`
}

type socket struct {
	conn *websocket.Conn
	id   string
}

// dial connects to /ws and consumes the welcome frame
func dial(t *testing.T, application *app.Application) *socket {
	t.Helper()
	url := "ws://" + application.Addr() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s := &socket{conn: conn}
	welcome := s.next(t)
	require.Equal(t, "welcome", welcome.Type)
	require.NotEmpty(t, welcome.ConnectionID)
	s.id = welcome.ConnectionID
	return s
}

func (s *socket) next(t *testing.T) frame {
	t.Helper()
	require.NoError(t, s.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f frame
	require.NoError(t, s.conn.ReadJSON(&f))
	return f
}

// silent reports whether nothing arrives within d. The socket is unusable afterwards.
func (s *socket) silent(d time.Duration) bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(d))
	_, _, err := s.conn.ReadMessage()
	return err != nil && strings.Contains(err.Error(), "timeout")
}

func (s *socket) join(t *testing.T, room string) {
	t.Helper()
	require.NoError(t, s.conn.WriteJSON(map[string]string{"type": "join_room", "room": room}))
	joined := s.next(t)
	require.Equal(t, "joined", joined.Type)
	require.Equal(t, room, joined.Room)
}

func (s *socket) receive(t *testing.T) *types.Message {
	t.Helper()
	f := s.next(t)
	require.Equal(t, "receive_message", f.Type, string(f.Message))
	var m types.Message
	require.NoError(t, json.Unmarshal(f.Message, &m))
	return &m
}
