package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/aadhaar-reader/internal/extraction"
)

// Messages shown to the user in the form's error banner
const (
	MessageMissingImages    = "Please upload both front and back images"
	MessageExtractionFailed = "Failed to process Aadhaar"
	MessageRejected         = "Something went wrong"
	MessageProcessingError  = "Error while processing Aadhaar"
)

// ResultFilename is the name offered for the downloaded result
const ResultFilename = "aadhaar-data.json"

var (
	// ErrMissingImages is returned by Submit when a side has no image. The
	// message is also stored on the session.
	ErrMissingImages = errors.New("both front and back images are required")

	// ErrBusy is returned while a submission for the session is in flight
	ErrBusy = errors.New("extraction in progress")

	// ErrNoResult is returned by DownloadResult when nothing has been extracted
	ErrNoResult = errors.New("no extraction result")
)

// IDGenerator generates unique IDs for sessions and blobs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// sessionLocks serializes transitions per session. An entry lives only while
// some caller holds or waits on it.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	e, ok := l.locks[id]
	if !ok {
		e = &sessionLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size reports how many sessions currently have a lock entry
func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Controller owns the upload and extraction workflow for every session
type Controller struct {
	db          DB
	storage     Storage
	extractor   extraction.Extractor
	idGenerator IDGenerator
	timeSource  TimeSource
	locks       sessionLocks
}

// NewController creates a new Controller with UUID IDs and the wall clock
func NewController(db DB, storage Storage, extractor extraction.Extractor) *Controller {
	return NewControllerWithDeps(db, storage, extractor, uuidGenerator{}, defaultTimeSource{})
}

// NewControllerWithDeps creates a new Controller with custom dependencies for testing
func NewControllerWithDeps(db DB, storage Storage, extractor extraction.Extractor, idGen IDGenerator, timeSrc TimeSource) *Controller {
	return &Controller{
		db:          db,
		storage:     storage,
		extractor:   extractor,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// NewSessionID returns a fresh session identifier
func (c *Controller) NewSessionID() string {
	return c.idGenerator.Generate()
}

// load returns the stored session, or an empty one if none exists yet
func (c *Controller) load(id string) (*Session, error) {
	session, err := c.db.GetSession(id)
	if errors.Is(err, ErrSessionNotFound) {
		now := c.timeSource.Now()
		return &Session{ID: id, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return session, nil
}

func (c *Controller) save(session *Session) error {
	session.UpdatedAt = c.timeSource.Now()
	if err := c.db.SaveSession(session); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (c *Controller) deleteBlob(img *Image) {
	if img == nil {
		return
	}
	c.deleteKey(img.BlobKey)
}

func (c *Controller) deleteKey(key string) {
	if err := c.storage.Delete(key); err != nil {
		slog.Warn("Failed to delete image blob", "key", key, "error", err)
	}
}

// State returns the current session state
func (c *Controller) State(ctx context.Context, id string) (*Session, error) {
	return c.load(id)
}

// AcceptImage stores file as the image for side. Files whose declared media
// type is not image/* are ignored: accepted is false and err is nil.
func (c *Controller) AcceptImage(ctx context.Context, id string, side Side, file File) (bool, error) {
	if !isImageMediaType(file.ContentType) {
		slog.Debug("Ignoring non-image upload",
			"session", id,
			"side", side,
			"filename", file.Filename,
			"content_type", file.ContentType,
		)
		return false, nil
	}

	unlock := c.locks.lock(id)
	defer unlock()

	session, err := c.load(id)
	if err != nil {
		return false, err
	}
	if session.Processing {
		return false, ErrBusy
	}

	key, err := c.storage.Save(fmt.Sprintf("%s_%s_%s", id, side, c.idGenerator.Generate()), file.Data)
	if err != nil {
		return false, fmt.Errorf("saving image: %w", err)
	}

	previous := session.image(side)
	session.setImage(side, &Image{
		Filename:    file.Filename,
		ContentType: normalizeMediaType(file.ContentType),
		Size:        len(file.Data),
		BlobKey:     key,
		Preview:     buildPreview(file.Data, file.ContentType),
	})

	if err := c.save(session); err != nil {
		c.deleteKey(key)
		return false, err
	}
	c.deleteBlob(previous)

	return true, nil
}

// ClearImage removes the image and preview for side
func (c *Controller) ClearImage(ctx context.Context, id string, side Side) error {
	unlock := c.locks.lock(id)
	defer unlock()

	session, err := c.load(id)
	if err != nil {
		return err
	}
	if session.Processing {
		return ErrBusy
	}

	previous := session.image(side)
	if previous == nil {
		return nil
	}
	session.setImage(side, nil)
	if err := c.save(session); err != nil {
		return err
	}
	c.deleteBlob(previous)
	return nil
}

// failureMessage maps an extraction failure to the message shown to the user
func failureMessage(err error) string {
	var appErr *extraction.ApplicationError
	switch {
	case errors.As(err, &appErr):
		if appErr.Message != "" {
			return appErr.Message
		}
		return MessageRejected
	case errors.Is(err, extraction.ErrExtractionFailed):
		return MessageExtractionFailed
	case err.Error() != "":
		return err.Error()
	default:
		return MessageProcessingError
	}
}

// Submit sends both images to the extraction service. Outcomes the user should
// see (validation, rejection, transport failure) are recorded on the session;
// the returned error is ErrMissingImages, ErrBusy, or an internal failure.
func (c *Controller) Submit(ctx context.Context, id string) error {
	unlock := c.locks.lock(id)

	session, err := c.load(id)
	if err != nil {
		unlock()
		return err
	}
	if session.Processing {
		unlock()
		return ErrBusy
	}
	if !session.Ready() {
		session.Error = MessageMissingImages
		err := c.save(session)
		unlock()
		if err != nil {
			return err
		}
		return ErrMissingImages
	}

	front, back, err := c.loadImages(session)
	if err != nil {
		unlock()
		return err
	}

	session.Processing = true
	session.Error = ""
	if err := c.save(session); err != nil {
		unlock()
		return err
	}
	unlock()

	// The request runs to completion even if the caller goes away.
	start := c.timeSource.Now()
	result, extractErr := c.extractor.Extract(context.WithoutCancel(ctx), front, back)

	unlock = c.locks.lock(id)
	defer unlock()

	session, err = c.load(id)
	if err != nil {
		return err
	}
	session.Processing = false
	if extractErr != nil {
		session.Error = failureMessage(extractErr)
		slog.Warn("Extraction failed",
			"session", id,
			"duration", c.timeSource.Now().Sub(start),
			"error", extractErr,
		)
	} else {
		session.Result = result
		session.Error = ""
		slog.Info("Extraction completed", "session", id, "duration", c.timeSource.Now().Sub(start))
	}
	return c.save(session)
}

func (c *Controller) loadImages(session *Session) (extraction.Image, extraction.Image, error) {
	frontData, err := c.storage.Get(session.Front.BlobKey)
	if err != nil {
		return extraction.Image{}, extraction.Image{}, fmt.Errorf("reading front image: %w", err)
	}
	backData, err := c.storage.Get(session.Back.BlobKey)
	if err != nil {
		return extraction.Image{}, extraction.Image{}, fmt.Errorf("reading back image: %w", err)
	}
	front := extraction.Image{
		Filename:    session.Front.Filename,
		ContentType: session.Front.ContentType,
		Data:        frontData,
	}
	back := extraction.Image{
		Filename:    session.Back.Filename,
		ContentType: session.Back.ContentType,
		Data:        backData,
	}
	return front, back, nil
}

// Reset returns the session to its initial empty state
func (c *Controller) Reset(ctx context.Context, id string) error {
	unlock := c.locks.lock(id)
	defer unlock()

	session, err := c.load(id)
	if err != nil {
		return err
	}
	if session.Processing {
		return ErrBusy
	}

	front, back := session.Front, session.Back
	session.Front = nil
	session.Back = nil
	session.Result = nil
	session.Error = ""
	if err := c.save(session); err != nil {
		return err
	}
	c.deleteBlob(front)
	c.deleteBlob(back)
	return nil
}

// DownloadResult returns the extraction result as indented JSON along with
// the filename to offer it under.
func (c *Controller) DownloadResult(ctx context.Context, id string) ([]byte, string, error) {
	session, err := c.load(id)
	if err != nil {
		return nil, "", err
	}
	if session.Result == nil {
		return nil, "", ErrNoResult
	}
	data, err := json.MarshalIndent(session.Result, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("encoding result: %w", err)
	}
	return data, ResultFilename, nil
}

// RecoverInterrupted clears the processing flag on sessions whose submission
// was cut short by a restart, so they do not stay locked.
func (c *Controller) RecoverInterrupted(ctx context.Context) (int, error) {
	sessions, err := c.db.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	recovered := 0
	for _, s := range sessions {
		if !s.Processing {
			continue
		}
		unlock := c.locks.lock(s.ID)
		s.Processing = false
		s.Error = MessageProcessingError
		err := c.save(s)
		unlock()
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// PurgeExpired deletes sessions, and their blobs, last updated before cutoff
func (c *Controller) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := c.db.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	purged := 0
	for _, s := range sessions {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		deleted, err := c.purgeSession(s.ID, cutoff)
		if err != nil {
			return purged, err
		}
		if deleted {
			purged++
		}
	}
	return purged, nil
}

// purgeSession re-checks the session under its lock before deleting it
func (c *Controller) purgeSession(id string, cutoff time.Time) (bool, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	session, err := c.db.GetSession(id)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading session %s: %w", id, err)
	}
	if session.Processing || !session.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if err := c.db.DeleteSession(id); err != nil {
		return false, fmt.Errorf("deleting session %s: %w", id, err)
	}
	c.deleteBlob(session.Front)
	c.deleteBlob(session.Back)
	return true, nil
}

// RunJanitor purges sessions idle for longer than ttl every interval until ctx is done
func (c *Controller) RunJanitor(ctx context.Context, ttl, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := c.PurgeExpired(ctx, c.timeSource.Now().Add(-ttl))
			if err != nil {
				slog.Error("Failed to purge sessions", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("Purged idle sessions", "count", n)
			}
		}
	}
}
