package storage

import (
	"log/slog"
	"mime"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/chadiek/voice-assistant/internal/observability"
)

type clip struct {
	key         string
	contentType string
	data        []byte
}

// Archive uploads synthesized clips in the background. When the queue is
// full new clips are dropped.
type Archive struct {
	up     Uploader
	prefix string
	queue  chan clip
	log    *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewArchive(up Uploader, prefix string, depth int) *Archive {
	if depth <= 0 {
		depth = 16
	}
	a := &Archive{
		up:     up,
		prefix: strings.Trim(prefix, "/"),
		queue:  make(chan clip, depth),
		log:    observability.Component("archive"),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Put queues data for upload and returns the object key, or "" when the
// clip was dropped.
func (a *Archive) Put(contentType string, data []byte) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed || len(data) == 0 {
		return ""
	}
	key := uuid.New().String() + extensionFor(contentType)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	select {
	case a.queue <- clip{key: key, contentType: contentType, data: data}:
		return key
	default:
		a.log.Warn("archive queue full, dropping clip", "bytes", len(data))
		return ""
	}
}

func (a *Archive) run() {
	defer a.wg.Done()
	for c := range a.queue {
		if err := a.up.Upload(c.key, c.contentType, c.data); err != nil {
			a.log.Warn("archive upload failed", "key", c.key, "err", err)
			continue
		}
		a.log.Debug("archived clip", "key", c.key, "bytes", len(c.data))
	}
}

// Close stops accepting clips and waits for queued uploads to finish.
func (a *Archive) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	a.wg.Wait()
	return nil
}

func extensionFor(contentType string) string {
	switch mt, _, _ := mime.ParseMediaType(contentType); mt {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/wave", "audio/x-wav":
		return ".wav"
	case "audio/ogg", "audio/opus":
		return ".ogg"
	default:
		return ".bin"
	}
}
