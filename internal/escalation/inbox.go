package escalation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/fsutil"
)

// answerSuffix marks inbox files that carry an answer.
const answerSuffix = ".answer"

// Inbox turns <queue dir>/inbox/<id>.answer files into Respond calls.
// It lets any process that can write a file answer an escalation.
type Inbox struct {
	queue *Queue
	dir   string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
}

// InboxDir returns the inbox directory for a queue directory.
func InboxDir(queueDir string) string {
	return filepath.Join(queueDir, "inbox")
}

// WriteAnswer drops an answer for id into the inbox at dir.
func WriteAnswer(dir, id, answer string) error {
	return fsutil.WriteFileAtomic(filepath.Join(dir, id+answerSuffix), []byte(answer), 0644)
}

// NewInbox creates the inbox directory and its watcher.
func NewInbox(q *Queue) (*Inbox, error) {
	dir := InboxDir(q.Dir())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create inbox directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create inbox watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch inbox: %w", err)
	}
	return &Inbox{
		queue:    q,
		dir:      dir,
		watcher:  watcher,
		done:     make(chan struct{}),
		inFlight: make(map[string]bool),
	}, nil
}

// Dir returns the watched directory.
func (i *Inbox) Dir() string { return i.dir }

// Start processes answers already waiting and then watches for new ones
// until ctx is done or Close is called.
func (i *Inbox) Start(ctx context.Context) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		log.Printf("[inbox] scan failed: %v", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			i.handle(ctx, filepath.Join(i.dir, e.Name()))
		}
	}

	i.wg.Add(1)
	go i.watch(ctx)
}

func (i *Inbox) watch(ctx context.Context) {
	defer i.wg.Done()
	for {
		select {
		case <-i.done:
			return
		case <-ctx.Done():
			return
		case event, ok := <-i.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				i.handle(ctx, event.Name)
			}
		case err, ok := <-i.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[inbox] watcher error: %v", err)
		}
	}
}

// handle applies one answer file. Consumed files are removed; files whose
// escalation is unknown or already answered are removed too so they do not
// linger. Other failures leave the file for the next scan.
func (i *Inbox) handle(ctx context.Context, path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, answerSuffix) || strings.HasPrefix(name, ".") {
		return
	}
	id := strings.TrimSuffix(name, answerSuffix)

	i.mu.Lock()
	if i.inFlight[id] {
		i.mu.Unlock()
		return
	}
	i.inFlight[id] = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.inFlight, id)
		i.mu.Unlock()
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[inbox] read %s: %v", name, err)
		}
		return
	}
	answer := strings.TrimSpace(string(data))
	if answer == "" {
		return
	}

	_, err = i.queue.Respond(ctx, id, answer)
	switch {
	case err == nil:
		log.Printf("[inbox] applied answer for %s", id)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotPending):
		log.Printf("[inbox] discarding %s: %v", name, err)
	default:
		log.Printf("[inbox] answer for %s not applied: %v", id, err)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[inbox] remove %s: %v", name, err)
	}
}

// Close stops the watcher and waits for the watch loop to exit.
func (i *Inbox) Close() error {
	select {
	case <-i.done:
		return nil
	default:
		close(i.done)
	}
	err := i.watcher.Close()
	i.wg.Wait()
	return err
}
