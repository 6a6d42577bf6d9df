package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

// ConnectionHeader names the websocket connection that should not receive its own submission
const ConnectionHeader = "X-Connection-ID"

// multipartMemory is how much of a multipart body is held in memory before spilling to disk
const multipartMemory = 1 << 20

// SubmitMessageRequest is the JSON or form body of a message submission
type SubmitMessageRequest struct {
	ClassroomID       string `json:"classroom_id"`
	Author            string `json:"author" validate:"required"`
	Content           string `json:"content"`
	ConnectionID      string `json:"connection_id"`
	ClassroomIDAlias  string `json:"classroomId"`
	ConnectionIDAlias string `json:"connectionId"`
}

func (r *SubmitMessageRequest) normalize() {
	r.ClassroomID = coalesce(r.ClassroomID, r.ClassroomIDAlias)
	r.ConnectionID = coalesce(r.ConnectionID, r.ConnectionIDAlias)
}

// normalizer is implemented by request bodies that accept alias keys
type normalizer interface {
	normalize()
}

// classroomHistory lists a classroom's messages in order
func (s *Server) classroomHistory(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, types.ClassroomScope(chi.URLParam(r, "classroomID")))
}

// globalHistory lists the global channel in order
func (s *Server) globalHistory(w http.ResponseWriter, r *http.Request) {
	s.history(w, r, types.GlobalScope())
}

func (s *Server) history(w http.ResponseWriter, r *http.Request, scope types.Scope) {
	messages, err := s.deps.Chat.History(r.Context(), scope)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// submitClassroomMessage handles POST /api/messages
func (s *Server) submitClassroomMessage(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, false)
}

// submitGlobalMessage handles POST /api/messages/global
func (s *Server) submitGlobalMessage(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, true)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, global bool) {
	req, attachment, ok := s.readSubmission(w, r)
	if !ok {
		return
	}

	scope := types.GlobalScope()
	if !global {
		classroomID := strings.TrimSpace(req.ClassroomID)
		if classroomID == "" {
			sendError(w, "classroom_id is required", http.StatusBadRequest)
			return
		}
		scope = types.ClassroomScope(classroomID)
	}

	origin := strings.TrimSpace(r.Header.Get(ConnectionHeader))
	if origin == "" {
		origin = strings.TrimSpace(req.ConnectionID)
	}

	message, err := s.deps.Chat.SubmitMessage(r.Context(), interfaces.Submission{
		Scope:        scope,
		Author:       req.Author,
		Content:      req.Content,
		Attachment:   attachment,
		OriginConnID: origin,
	})
	if err != nil {
		s.discardAttachment(r, attachment)
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, message)
}

// discardAttachment removes an upload whose message was rejected
func (s *Server) discardAttachment(r *http.Request, attachment *types.Attachment) {
	if attachment == nil {
		return
	}
	if err := s.deps.Blobs.Delete(context.WithoutCancel(r.Context()), attachment); err != nil {
		s.logger.Warn().Err(err).Str("url", attachment.URL).Msg("failed to delete rejected upload")
	}
}

// readSubmission decodes a JSON body, or a multipart form whose optional "file"
// part is handed to the blob store. It writes the error response itself.
func (s *Server) readSubmission(w http.ResponseWriter, r *http.Request) (*SubmitMessageRequest, *types.Attachment, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req SubmitMessageRequest
		if !s.decodeJSON(w, r, &req) {
			return nil, nil, false
		}
		return &req, nil, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, "upload too large", http.StatusRequestEntityTooLarge)
			return nil, nil, false
		}
		sendError(w, "invalid multipart form", http.StatusBadRequest)
		return nil, nil, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := &SubmitMessageRequest{
		ClassroomID:       r.FormValue("classroom_id"),
		Author:            r.FormValue("author"),
		Content:           r.FormValue("content"),
		ConnectionID:      r.FormValue("connection_id"),
		ClassroomIDAlias:  r.FormValue("classroomId"),
		ConnectionIDAlias: r.FormValue("connectionId"),
	}
	if !s.validateRequest(w, req) {
		return nil, nil, false
	}

	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, true
	}
	if err != nil {
		sendError(w, "invalid file upload", http.StatusBadRequest)
		return nil, nil, false
	}
	defer file.Close()

	if s.deps.Blobs == nil {
		sendError(w, "file uploads are not enabled", http.StatusBadRequest)
		return nil, nil, false
	}

	attachment, err := s.deps.Blobs.Put(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, r, s.logger, err)
		return nil, nil, false
	}
	return req, attachment, true
}

// decodeJSON reads a size-limited JSON body into v and validates it.
// It writes the error response itself.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		sendError(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return s.validateRequest(w, v)
}

func (s *Server) validateRequest(w http.ResponseWriter, v any) bool {
	if n, ok := v.(normalizer); ok {
		n.normalize()
	}
	err := s.validate.Struct(v)
	if err == nil {
		return true
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		sendError(w, describeFieldError(fieldErrs[0]), http.StatusBadRequest)
		return false
	}
	sendError(w, "invalid request", http.StatusBadRequest)
	return false
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
