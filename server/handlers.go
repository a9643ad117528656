package server

import (
	"context"
	"feedsync/db"
	"feedsync/feeds"
	"feedsync/models"
	"feedsync/sources"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

type handlers struct {
	config *ServerConfig
}

// requireUser resolves the calling user from the X-User-ID header
func (h *handlers) requireUser(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Get("X-User-ID"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "missing or invalid X-User-ID header")
	}
	user, err := h.config.DB.GetUser(c.UserContext(), id)
	if err != nil {
		return fiber.NewError(fiber.StatusUnauthorized, "unknown user")
	}
	c.Locals("user", user.Id)
	return c.Next()
}

func userID(c *fiber.Ctx) int64 {
	return c.Locals("user").(int64)
}

func paramID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ownedSource loads the source named by the :id parameter. Sources of other
// users are reported as missing.
func (h *handlers) ownedSource(c *fiber.Ctx) (*models.Source, error) {
	id, err := paramID(c)
	if err != nil {
		return nil, err
	}
	source, err := h.config.DB.GetSource(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if source.UserId != userID(c) {
		return nil, db.ErrNotFound
	}
	return source, nil
}

func (h *handlers) ownedEntry(c *fiber.Ctx) (*models.Entry, error) {
	id, err := paramID(c)
	if err != nil {
		return nil, err
	}
	entry, err := h.config.DB.GetEntry(c.UserContext(), id)
	if err != nil {
		return nil, err
	}
	if entry.UserId != userID(c) {
		return nil, db.ErrNotFound
	}
	return entry, nil
}

func feedFilters(c *fiber.Ctx) feeds.Filters {
	return feeds.Filters{
		Source:    c.Query("source"),
		Folder:    c.Query("folder"),
		Username:  c.Query("username"),
		Text:      c.Query("q"),
		Favorited: c.QueryBool("favorited"),
		Delivered: c.QueryBool("delivered"),
		HideSeen:  c.QueryBool("hide_seen"),
	}
}

func (h *handlers) feed(c *fiber.Ctx) error {
	ordering, err := feeds.ParseOrdering(c.Query("ordering"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	size := c.QueryInt("size", 0)
	if size < 0 || size > 100 {
		return fiber.NewError(fiber.StatusBadRequest, "size must be between 1 and 100")
	}

	page, err := h.config.Engine.Page(c.UserContext(), feeds.Request{
		UserID:   userID(c),
		Filters:  feedFilters(c),
		Ordering: ordering,
		Cursor:   c.Query("cursor"),
		PageSize: size,
	})
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (h *handlers) pinned(c *fiber.Ctx) error {
	entries, err := h.config.Engine.Pinned(c.UserContext(), userID(c), feedFilters(c))
	if err != nil {
		return err
	}
	return c.JSON(entries)
}

func (h *handlers) folders(c *fiber.Ctx) error {
	folders, err := h.config.DB.Folders(c.UserContext(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(folders)
}

func (h *handlers) listSources(c *fiber.Ctx) error {
	list, err := h.config.DB.ListSources(c.UserContext(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(list)
}

type sourceRequest struct {
	Kind        models.SourceKind `json:"kind"`
	Name        string            `json:"name"`
	Url         string            `json:"url"`
	Folder      string            `json:"folder"`
	Filters     string            `json:"filters"`
	AccessToken string            `json:"accessToken"`
}

func (h *handlers) createSource(c *fiber.Ctx) error {
	var req sourceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if _, err := h.config.Registry.Lookup(req.Kind); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if _, err := sources.ParseFilters(req.Filters); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" || req.Url == "" {
		return fiber.NewError(fiber.StatusBadRequest, "name and url are required")
	}

	source, err := h.config.DB.CreateSource(c.UserContext(), models.Source{
		UserId:      userID(c),
		Kind:        req.Kind,
		Name:        req.Name,
		Url:         req.Url,
		Folder:      req.Folder,
		Filters:     req.Filters,
		AccessToken: req.AccessToken,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(source)
}

type sourceUpdateRequest struct {
	Name    *string `json:"name"`
	Url     *string `json:"url"`
	Folder  *string `json:"folder"`
	Filters *string `json:"filters"`
}

func (h *handlers) updateSource(c *fiber.Ctx) error {
	source, err := h.ownedSource(c)
	if err != nil {
		return err
	}
	var req sourceUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if req.Filters != nil {
		if _, err := sources.ParseFilters(*req.Filters); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}

	err = h.config.DB.UpdateSource(c.UserContext(), source.Id, db.SourceUpdate{
		Name: req.Name, Url: req.Url, Folder: req.Folder, Filters: req.Filters,
	})
	if err != nil {
		return err
	}
	updated, err := h.config.DB.GetSource(c.UserContext(), source.Id)
	if err != nil {
		return err
	}
	return c.JSON(updated)
}

func (h *handlers) deleteSource(c *fiber.Ctx) error {
	source, err := h.ownedSource(c)
	if err != nil {
		return err
	}
	if err := h.config.DB.DeleteSource(c.UserContext(), source.Id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type syncResponse struct {
	models.SyncResult
	Error string `json:"error,omitempty"`
}

func (h *handlers) syncSource(c *fiber.Ctx) error {
	source, err := h.ownedSource(c)
	if err != nil {
		return err
	}
	res := h.syncOne(c.UserContext(), source.Id, c.QueryBool("force"))
	out := syncResponse{SyncResult: res}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return c.JSON(out)
}

func (h *handlers) syncOne(ctx context.Context, sourceID int64, force bool) models.SyncResult {
	if h.config.Scheduler == nil {
		return h.config.Jobs.SyncSource(ctx, sourceID, force)
	}
	select {
	case res := <-h.config.Scheduler.Trigger(ctx, sourceID, force):
		return res
	case <-ctx.Done():
		return models.SyncResult{SourceId: sourceID, Outcome: models.OutcomeFailed, Err: ctx.Err()}
	}
}

func (h *handlers) syncAll(c *fiber.Ctx) error {
	report, err := h.config.Jobs.SyncAll(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *handlers) prune(c *fiber.Ctx) error {
	deleted, err := h.config.Jobs.Prune(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": deleted})
}

func (h *handlers) rawSource(c *fiber.Ctx) error {
	source, err := h.ownedSource(c)
	if err != nil {
		return err
	}
	raw, err := h.config.DB.RawSource(c.UserContext(), source.Id)
	if err != nil {
		return err
	}
	return c.SendString(raw)
}

type entryRequest struct {
	RemoteId string `json:"remoteId"`
	Title    string `json:"title"`
	Url      string `json:"url"`
	Content  string `json:"content"`
}

// addEntry stores a standalone entry, e.g. a link saved for later
func (h *handlers) addEntry(c *fiber.Ctx) error {
	var req entryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if req.Url == "" {
		return fiber.NewError(fiber.StatusBadRequest, "url is required")
	}
	if req.RemoteId == "" {
		req.RemoteId = req.Url
	}
	if req.Title == "" {
		req.Title = req.Url
	}

	now := h.config.DB.Now()
	id, err := h.config.DB.AddStandalone(c.UserContext(), userID(c), models.NormalizedEntry{
		RemoteId:     req.RemoteId,
		Title:        req.Title,
		ShortContent: req.Content,
		TargetUrl:    req.Url,
		ContentUrl:   req.Url,
		DisplayDate:  now,
		SortDate:     now,
	})
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	entry, err := h.config.DB.GetEntry(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

func (h *handlers) content(c *fiber.Ctx) error {
	entry, err := h.ownedEntry(c)
	if err != nil {
		return err
	}
	if h.config.Extractor == nil {
		return fiber.NewError(fiber.StatusNotImplemented, "content extraction is disabled")
	}
	if !entry.CanReadLocally() {
		return db.ErrNoContentURL
	}
	body, err := h.config.DB.FullContent(c.UserContext(), entry.Id, h.config.Extractor.Extract)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"entry": entry.Id, "length": len(body)}).Debug("Served full content")
	return c.JSON(fiber.Map{"id": entry.Id, "content": body})
}

func (h *handlers) rawEntry(c *fiber.Ctx) error {
	entry, err := h.ownedEntry(c)
	if err != nil {
		return err
	}
	raw, err := h.config.DB.RawEntry(c.UserContext(), entry.Id)
	if err != nil {
		return err
	}
	return c.SendString(raw)
}

func (h *handlers) markViewed(c *fiber.Ctx) error {
	entry, err := h.ownedEntry(c)
	if err != nil {
		return err
	}
	updated, err := h.config.DB.MarkEntryViewed(c.UserContext(), entry.Id)
	if err != nil {
		return err
	}
	return c.JSON(updated)
}

func (h *handlers) toggle(flip func(*db.DB, context.Context, int64) (*models.Entry, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entry, err := h.ownedEntry(c)
		if err != nil {
			return err
		}
		updated, err := flip(h.config.DB, c.UserContext(), entry.Id)
		if err != nil {
			return err
		}
		return c.JSON(updated)
	}
}
