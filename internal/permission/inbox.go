package permission

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/critic/pkg/models"
)

const (
	requestSuffix  = ".request.json"
	decisionSuffix = ".decision.json"
)

// FileDecision is the body of a decision file dropped into the inbox.
type FileDecision struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Inbox mirrors pending requests into a directory and applies decision
// files written there by another process, such as `critic approve`.
//
// Layout: <dir>/<id>.request.json for each pending request and
// <dir>/<id>.decision.json for each decision. Both are removed once the
// request resolves.
type Inbox struct {
	dir string
	m   *Manager

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// OpenInbox creates dir if needed, registers with m and starts watching for
// decision files. Without a working watcher, decisions already present are
// still applied whenever a new request is mirrored.
func OpenInbox(dir string, m *Manager) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}
	in := &Inbox{dir: dir, m: m, done: make(chan struct{})}
	m.AddListener(in)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[inbox] file watcher unavailable, falling back to scans: %v", err)
		return in, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		log.Printf("[inbox] cannot watch %s, falling back to scans: %v", dir, err)
		return in, nil
	}
	in.watcher = watcher

	in.wg.Add(1)
	go in.watch()
	return in, nil
}

// Dir returns the inbox directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Close stops watching.
func (in *Inbox) Close() error {
	select {
	case <-in.done:
		return nil
	default:
	}
	close(in.done)
	var err error
	if in.watcher != nil {
		err = in.watcher.Close()
	}
	in.wg.Wait()
	return err
}

func (in *Inbox) watch() {
	defer in.wg.Done()
	for {
		select {
		case <-in.done:
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, decisionSuffix) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				in.apply(event.Name)
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[inbox] watcher error: %v", err)
		}
	}
}

// Requested mirrors req into the inbox and applies any decision that was
// written before the watcher saw it.
func (in *Inbox) Requested(req models.AuthorizationRequest) {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		log.Printf("[inbox] marshal request %s: %v", req.ID, err)
		return
	}
	if err := writeAtomic(filepath.Join(in.dir, req.ID+requestSuffix), data); err != nil {
		log.Printf("[inbox] write request %s: %v", req.ID, err)
	}
	if in.watcher == nil {
		in.scan()
	}
}

// Resolved removes the request and decision files for req.
func (in *Inbox) Resolved(req models.AuthorizationRequest, d models.Decision) {
	os.Remove(filepath.Join(in.dir, req.ID+requestSuffix))
	os.Remove(filepath.Join(in.dir, req.ID+decisionSuffix))
}

// scan applies every decision file present in the inbox.
func (in *Inbox) scan() {
	matches, _ := filepath.Glob(filepath.Join(in.dir, "*"+decisionSuffix))
	for _, path := range matches {
		in.apply(path)
	}
}

func (in *Inbox) apply(path string) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		// Partial writes surface again as a later Write event.
		return
	}
	var d FileDecision
	if err := json.Unmarshal(data, &d); err != nil {
		log.Printf("[inbox] ignoring malformed decision %s: %v", filepath.Base(path), err)
		return
	}
	if d.RequestID == "" {
		d.RequestID = strings.TrimSuffix(filepath.Base(path), decisionSuffix)
	}
	if err := in.m.Decide(d.RequestID, d.Approved, d.DecidedBy, d.Reason); err != nil {
		log.Printf("[inbox] decision for %s not applied: %v", d.RequestID, err)
		return
	}
	os.Remove(path)
}

// WriteDecision drops a decision file into dir.
func WriteDecision(dir string, d FileDecision) error {
	if d.RequestID == "" {
		return fmt.Errorf("decision has no request id")
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, d.RequestID+decisionSuffix), data)
}

// ListRequests reads the pending requests mirrored into dir, oldest first.
func ListRequests(dir string) ([]models.AuthorizationRequest, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+requestSuffix))
	if err != nil {
		return nil, err
	}
	var out []models.AuthorizationRequest
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var req models.AuthorizationRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// writeAtomic writes data to a temp file and renames it into place so
// readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
