// ABOUTME: Remote Conversation handle speaking the server's HTTP API
// ABOUTME: RunTask polls task state; listeners ride the shared firehose

package remote

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/parley/internal/conversation"
	"github.com/2389/parley/internal/event"
	"github.com/2389/parley/internal/storage"
	"github.com/2389/parley/internal/task"
	"github.com/2389/parley/internal/workspace"
)

// taskPollInterval paces RunTask's completion polling.
const taskPollInterval = 100 * time.Millisecond

// Conversation is a network handle to one server-side conversation. It holds
// no state beyond the id; every read goes to the server.
type Conversation struct {
	id       uuid.UUID
	client   *client
	firehose *Firehose
	logger   *slog.Logger
}

func (c *Conversation) ID() uuid.UUID { return c.id }

func (c *Conversation) base() string {
	return "/conversation/" + c.id.String()
}

// Status fetches the current status. Unreachable servers read as ERROR.
func (c *Conversation) Status() conversation.Status {
	return c.Info().Status
}

// Info fetches the current snapshot. Unreachable servers read as ERROR.
func (c *Conversation) Info() conversation.Info {
	var info conversation.Info
	if err := c.client.do(context.Background(), http.MethodGet, c.base(), nil, nil, &info); err != nil {
		c.logger.Warn("fetching conversation info", "error", err)
		return conversation.Info{ID: c.id, Status: conversation.StatusError}
	}
	return info
}

// AddListener subscribes through the shared firehose, scoped to this
// conversation's events.
func (c *Conversation) AddListener(l conversation.Listener) uuid.UUID {
	return c.firehose.AddListener(c.id, l.OnEvent)
}

// RemoveListener drops a registration, reporting whether it was present.
func (c *Conversation) RemoveListener(id uuid.UUID) bool {
	return c.firehose.RemoveListener(id)
}

func (c *Conversation) TriggerEvent(ctx context.Context, detail event.Detail) (event.Event, error) {
	body, err := event.EncodeDetail(detail)
	if err != nil {
		return event.Event{}, err
	}
	var ev event.Event
	err = c.client.do(ctx, http.MethodPost, c.base()+"/event", nil, body, &ev)
	return ev, err
}

func (c *Conversation) GetEvent(ctx context.Context, id uuid.UUID) (event.Event, error) {
	var ev event.Event
	err := c.client.do(ctx, http.MethodGet, c.base()+"/event/"+id.String(), nil, nil, &ev)
	return ev, err
}

func (c *Conversation) SearchEvents(ctx context.Context, pageID string) (storage.Page[event.Event], error) {
	var page storage.Page[event.Event]
	err := c.client.do(ctx, http.MethodGet, c.base()+"/event", pageQuery(pageID), nil, &page)
	return page, err
}

func (c *Conversation) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := c.client.do(ctx, http.MethodGet, c.base()+"/event-count", nil, nil, &n)
	return n, err
}

func (c *Conversation) CreateTask(ctx context.Context, r task.Runnable, title *string, delay time.Duration) (task.Task, error) {
	runnable, err := task.EncodeRunnable(r)
	if err != nil {
		return task.Task{}, err
	}
	body := map[string]any{
		"runnable": runnable,
		"title":    title,
		"delay":    delay.Seconds(),
	}
	var t task.Task
	err = c.client.do(ctx, http.MethodPost, c.base()+"/command", nil, body, &t)
	return t, err
}

// RunTask submits the runnable and polls until the task reaches a terminal
// status.
func (c *Conversation) RunTask(ctx context.Context, r task.Runnable, title *string, delay time.Duration) (task.Task, error) {
	t, err := c.CreateTask(ctx, r, title, delay)
	if err != nil {
		return task.Task{}, err
	}

	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return task.Task{}, ctx.Err()
		case <-ticker.C:
		}
		got, err := c.GetTask(ctx, t.ID)
		if err != nil {
			return task.Task{}, err
		}
		if got.Status.Terminal() {
			return got, nil
		}
	}
}

func (c *Conversation) GetTask(ctx context.Context, id uuid.UUID) (task.Task, error) {
	var t task.Task
	err := c.client.do(ctx, http.MethodGet, c.base()+"/command/"+id.String(), nil, nil, &t)
	return t, err
}

func (c *Conversation) SearchTasks(ctx context.Context, pageID string) (storage.Page[task.Task], error) {
	var page storage.Page[task.Task]
	err := c.client.do(ctx, http.MethodGet, c.base()+"/command", pageQuery(pageID), nil, &page)
	return page, err
}

func (c *Conversation) CountTasks(ctx context.Context) (int, error) {
	var n int
	err := c.client.do(ctx, http.MethodGet, c.base()+"/command-count", nil, nil, &n)
	return n, err
}

func (c *Conversation) CancelTask(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := c.client.do(ctx, http.MethodDelete, c.base()+"/command/"+id.String(), nil, nil, &cancelled)
	return cancelled, err
}

func (c *Conversation) CreateDir(ctx context.Context, filePath string) (workspace.FileInfo, error) {
	var info workspace.FileInfo
	err := c.client.do(ctx, http.MethodPost, c.base()+"/dir/"+escapePath(filePath), nil, nil, &info)
	return info, err
}

func (c *Conversation) CreateFile(ctx context.Context, filePath string) (workspace.FileInfo, error) {
	var info workspace.FileInfo
	err := c.client.do(ctx, http.MethodPost, c.base()+"/file/"+escapePath(filePath), nil, nil, &info)
	return info, err
}

// SaveFile uploads the content as a multipart form to the parent directory.
func (c *Conversation) SaveFile(ctx context.Context, filePath string, r io.Reader) (workspace.FileInfo, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", path.Base(filePath))
	if err != nil {
		return workspace.FileInfo{}, err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return workspace.FileInfo{}, err
	}
	if err := mw.Close(); err != nil {
		return workspace.FileInfo{}, err
	}

	parent := path.Dir(filePath)
	if parent == "." {
		parent = ""
	}
	resp, err := c.client.raw(ctx, http.MethodPost, c.base()+"/upload/"+escapePath(parent), mw.FormDataContentType(), &buf)
	if err != nil {
		return workspace.FileInfo{}, err
	}
	defer resp.Body.Close()

	var infos []workspace.FileInfo
	if err := decodeBody(resp.Body, &infos); err != nil {
		return workspace.FileInfo{}, err
	}
	if len(infos) == 0 {
		return workspace.FileInfo{}, storage.ErrNotFound
	}
	return infos[0], nil
}

func (c *Conversation) DeleteFile(ctx context.Context, filePath string) (bool, error) {
	var deleted bool
	err := c.client.do(ctx, http.MethodDelete, c.base()+"/file/"+escapePath(filePath), nil, nil, &deleted)
	return deleted, err
}

// LoadFile streams the file content. The caller owns the returned reader.
func (c *Conversation) LoadFile(ctx context.Context, filePath string) (io.ReadCloser, workspace.FileInfo, error) {
	info, err := c.GetFileInfo(ctx, filePath)
	if err != nil {
		return nil, workspace.FileInfo{}, err
	}
	if info.MimeType == workspace.DirMimeType {
		return nil, workspace.FileInfo{}, workspace.ErrIsDirectory
	}
	resp, err := c.client.raw(ctx, http.MethodGet, c.base()+"/file-content/"+escapePath(filePath), "", nil)
	if err != nil {
		return nil, workspace.FileInfo{}, err
	}
	return resp.Body, info, nil
}

func (c *Conversation) GetFileInfo(ctx context.Context, filePath string) (workspace.FileInfo, error) {
	var info workspace.FileInfo
	err := c.client.do(ctx, http.MethodGet, c.base()+"/file/"+escapePath(filePath), nil, nil, &info)
	return info, err
}

func (c *Conversation) SearchFileInfo(ctx context.Context, filter workspace.FileFilter, pageID string) (storage.Page[workspace.FileInfo], error) {
	query := fileQuery(filter)
	if pageID != "" {
		query.Set("page_id", pageID)
	}
	var page storage.Page[workspace.FileInfo]
	err := c.client.do(ctx, http.MethodGet, c.base()+"/file-search", query, nil, &page)
	return page, err
}

func (c *Conversation) CountFiles(ctx context.Context, filter workspace.FileFilter) (int, error) {
	var n int
	err := c.client.do(ctx, http.MethodGet, c.base()+"/file-count", fileQuery(filter), nil, &n)
	return n, err
}

// Destroy destroys the conversation server-side with the given grace.
func (c *Conversation) Destroy(ctx context.Context, grace time.Duration) error {
	query := url.Values{}
	query.Set("grace_period", strconv.FormatFloat(grace.Seconds(), 'f', -1, 64))
	var destroyed bool
	return c.client.do(ctx, http.MethodDelete, c.base(), query, nil, &destroyed)
}

var _ conversation.Conversation = (*Conversation)(nil)

func pageQuery(pageID string) url.Values {
	query := url.Values{}
	if pageID != "" {
		query.Set("page_id", pageID)
	}
	return query
}

// fileQuery always sends path_delimiter explicitly so the client filter's
// semantics survive the server-side defaults.
func fileQuery(filter workspace.FileFilter) url.Values {
	query := url.Values{}
	if filter.PathPrefix != "" {
		query.Set("path_prefix", filter.PathPrefix)
	}
	query.Set("path_delimiter", filter.PathDelimiter)
	return query
}

// escapePath escapes each path segment while keeping the separators. Dot
// segments are percent-encoded so muxes pass them through for the server's
// sandbox check instead of cleaning them into a redirect.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		switch seg {
		case ".":
			segments[i] = "%2E"
		case "..":
			segments[i] = "%2E%2E"
		default:
			segments[i] = url.PathEscape(seg)
		}
	}
	return strings.Join(segments, "/")
}
