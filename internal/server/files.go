// ABOUTME: Handlers for the conversation's sandboxed file namespace
// ABOUTME: Uploads are multipart; downloads stream with the stored mime type

package server

import (
	"io"
	"net/http"
	"path"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/workspace"
)

const maxUploadMemory = 32 << 20 // bytes buffered in memory per multipart upload

func (s *Server) handleCreateDir(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	info, err := c.CreateDir(r.Context(), r.PathValue("path"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	info, err := c.CreateFile(r.Context(), r.PathValue("path"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleUpload saves every part of a multipart form under the parent path.
// Existing files are overwritten.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	parent := r.PathValue("path")
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, "invalid multipart form")
		return
	}
	var infos []workspace.FileInfo
	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			f, err := header.Open()
			if err != nil {
				s.writeError(w, http.StatusBadRequest, conversation.CodeBadRequest, "reading upload "+header.Filename)
				return
			}
			info, err := c.SaveFile(r.Context(), path.Join(parent, path.Base(header.Filename)), f)
			f.Close()
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			infos = append(infos, info)
		}
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	deleted, err := c.DeleteFile(r.Context(), r.PathValue("path"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deleted)
}

func (s *Server) handleLoadFile(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	rc, info, err := c.LoadFile(r.Context(), r.PathValue("path"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+path.Base(info.Path)+"\"")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("streaming file", "path", info.Path, "error", err)
	}
}

func (s *Server) handleGetFileInfo(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	info, err := c.GetFileInfo(r.Context(), r.PathValue("path"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// fileFilterFromQuery builds a filter from path_prefix and path_delimiter.
// Searches default to single-level listing; counts default to recursive.
func fileFilterFromQuery(r *http.Request, defaultDelimiter string) workspace.FileFilter {
	q := r.URL.Query()
	filter := workspace.FileFilter{
		PathPrefix:    q.Get("path_prefix"),
		PathDelimiter: defaultDelimiter,
	}
	if q.Has("path_delimiter") {
		filter.PathDelimiter = q.Get("path_delimiter")
	}
	return filter
}

func (s *Server) handleSearchFiles(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	page, err := c.SearchFileInfo(r.Context(), fileFilterFromQuery(r, "/"), r.URL.Query().Get("page_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCountFiles(w http.ResponseWriter, r *http.Request) {
	c, ok := s.getConversation(w, r)
	if !ok {
		return
	}
	n, err := c.CountFiles(r.Context(), fileFilterFromQuery(r, ""))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}
