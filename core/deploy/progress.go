package deploy

import (
	"sync"
	"time"
)

// ProgressEvent is one observable step of a running deployment.
type ProgressEvent struct {
	DeployID string    `json:"deploy_id"`
	SiteID   string    `json:"site_id"`
	Phase    string    `json:"phase"`
	State    string    `json:"state"`
	Detail   string    `json:"detail,omitempty"`
	Files    int       `json:"files,omitempty"`
	At       time.Time `json:"at"`
}

const (
	PhaseFetch    = "fetch"
	PhaseExtract  = "extract"
	PhaseBuild    = "build"
	PhaseManifest = "manifest"
	PhaseUpload   = "upload"
	PhaseRelease  = "release"

	StateStarted  = "started"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// ProgressHub fans progress events out to subscribers. A subscriber that
// stops draining loses events rather than blocking the run.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[chan ProgressEvent]struct{}
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[chan ProgressEvent]struct{})}
}

// Subscribe registers a buffered event channel. The caller must Unsubscribe
// when done.
func (h *ProgressHub) Subscribe() chan ProgressEvent {
	ch := make(chan ProgressEvent, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *ProgressHub) Unsubscribe(ch chan ProgressEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers the event to every subscriber, dropping it for any whose
// buffer is full.
func (h *ProgressHub) Publish(ev ProgressEvent) {
	if h == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
