package api

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/live-demo/internal/store"
)

type documentRequest struct {
	Title   string `json:"title"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (h *Handlers) listDocuments(c echo.Context) error {
	docs, err := h.store.ListDocuments(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *Handlers) getDocument(c echo.Context) error {
	d, err := h.store.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// createDocument takes text and URL documents as JSON and files as a
// multipart upload in the "file" field.
func (h *Handlers) createDocument(c echo.Context) error {
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		return h.uploadDocument(c)
	}
	var req documentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if strings.TrimSpace(req.Title) == "" {
		return badRequest("title is required")
	}
	switch req.Type {
	case "":
		req.Type = store.DocText
	case store.DocText, store.DocURL:
	default:
		return badRequest("type must be text or url; upload files as multipart")
	}
	d, err := h.store.CreateDocument(c.Request().Context(), store.Document{
		Title:   req.Title,
		Type:    req.Type,
		Content: req.Content,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handlers) uploadDocument(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest("file is required")
	}
	if fh.Size > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	f, err := fh.Open()
	if err != nil {
		return badRequest("unreadable file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		return badRequest("unreadable file")
	}
	if int64(len(data)) > h.maxUpload {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}

	name := path.Base(fh.Filename)
	contentType := fh.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	title := c.FormValue("title")
	if title == "" {
		title = name
	}

	ctx := c.Request().Context()
	text, err := h.enrich.Extract(ctx, name, contentType, data)
	if err != nil {
		h.log.Error().Err(err).Str("file", name).Msg("extraction failed")
		return httpError(err)
	}
	id := uuid.NewString()
	key := "docs/" + id + "/" + name
	if err := h.blobs.Put(ctx, key, contentType, data); err != nil {
		h.log.Error().Err(err).Str("key", key).Msg("blob put failed")
		return httpError(err)
	}
	d, err := h.store.CreateDocument(ctx, store.Document{
		ID:          id,
		Title:       title,
		Type:        store.DocFile,
		Content:     text,
		Size:        store.HumanSize(len(data)),
		BlobKey:     key,
		ContentType: contentType,
	})
	if err != nil {
		if derr := h.blobs.Delete(ctx, key); derr != nil {
			h.log.Warn().Err(derr).Str("key", key).Msg("blob cleanup failed")
		}
		return err
	}
	h.log.Info().Str("doc_id", d.ID).Str("file", name).Int("bytes", len(data)).Msg("document uploaded")
	return c.JSON(http.StatusCreated, d)
}

func (h *Handlers) deleteDocument(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.store.GetDocument(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if err := h.store.DeleteDocument(ctx, d.ID); err != nil {
		return httpError(err)
	}
	if d.BlobKey != "" {
		if err := h.blobs.Delete(ctx, d.BlobKey); err != nil {
			h.log.Warn().Err(err).Str("key", d.BlobKey).Msg("blob delete failed")
		}
	}
	return c.JSON(http.StatusOK, success)
}
