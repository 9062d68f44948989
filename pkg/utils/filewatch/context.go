package filewatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Modified is the cancel cause of a context made by UntilModifyContext.
type Modified struct {
	Path string
	Op   fsnotify.Op
}

func (m *Modified) Error() string {
	return fmt.Sprintf("%s is updated (%s)", m.Path, m.Op.String())
}

// UntilModifyContext returns a context canceled when one of paths is
// written, created, removed or renamed. Directories are watched non-recursively.
//
// context.Cause of the returned context is a *Modified after a change.
// The returned func stops watching; call it when done.
// On error, both the context and the func are nil.
func UntilModifyContext(ctx context.Context, paths ...string) (context.Context, func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, nil, err
		}
	}

	cctx, cancel := context.WithCancelCause(ctx)
	go func() {
		defer w.Close()
		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					cancel(errors.New("file watcher is closed"))
					return
				}
				if event.Op == fsnotify.Chmod {
					continue
				}
				cancel(&Modified{Path: event.Name, Op: event.Op})
				return
			case err, ok := <-w.Errors:
				if ok && err != nil {
					cancel(err)
					return
				}
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}
