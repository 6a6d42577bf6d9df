package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// CreateClassroomRequest is the body of POST /api/classrooms.
// The camelCase keys sent by existing browser clients are accepted as aliases.
type CreateClassroomRequest struct {
	Name             string `json:"name" validate:"required"`
	TeacherID        string `json:"teacher_id" validate:"required"`
	TeacherName      string `json:"teacher_name" validate:"max=200"`
	TeacherIDAlias   string `json:"teacherId"`
	TeacherNameAlias string `json:"teacherName"`
}

func (r *CreateClassroomRequest) normalize() {
	r.TeacherID = coalesce(r.TeacherID, r.TeacherIDAlias)
	r.TeacherName = coalesce(r.TeacherName, r.TeacherNameAlias)
}

// JoinClassroomRequest is the body of POST /api/classrooms/join
type JoinClassroomRequest struct {
	AccessCode      string `json:"access_code" validate:"required"`
	StudentID       string `json:"student_id" validate:"required"`
	AccessCodeAlias string `json:"accessCode"`
	StudentIDAlias  string `json:"studentId"`
}

func (r *JoinClassroomRequest) normalize() {
	r.AccessCode = coalesce(r.AccessCode, r.AccessCodeAlias)
	r.StudentID = coalesce(r.StudentID, r.StudentIDAlias)
}

// coalesce returns the first value that is not blank
func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// createClassroom issues a new access code for a teacher
func (s *Server) createClassroom(w http.ResponseWriter, r *http.Request) {
	var req CreateClassroomRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	classroom, err := s.deps.Classrooms.CreateClassroom(r.Context(), req.Name, req.TeacherID, req.TeacherName)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	s.logger.Info().
		Str("classroom_id", classroom.ID).
		Str("teacher_id", classroom.TeacherID).
		Msg("classroom created")
	writeJSON(w, http.StatusCreated, classroom)
}

// joinClassroom enrolls a student by access code
func (s *Server) joinClassroom(w http.ResponseWriter, r *http.Request) {
	var req JoinClassroomRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	classroom, err := s.deps.Classrooms.JoinClassroom(r.Context(), req.AccessCode, req.StudentID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, classroom)
}

// listClassrooms returns the classrooms a user teaches or attends, newest first
func (s *Server) listClassrooms(w http.ResponseWriter, r *http.Request) {
	classrooms, err := s.deps.Classrooms.ListClassroomsForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, classrooms)
}

// getClassroom returns one classroom with its roster
func (s *Server) getClassroom(w http.ResponseWriter, r *http.Request) {
	classroom, err := s.deps.Classrooms.GetClassroom(r.Context(), chi.URLParam(r, "classroomID"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, classroom)
}
