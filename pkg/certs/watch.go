package certs

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onMissing whenever the certificate or key file of p is
// removed or renamed away. It blocks until ctx is done.
func Watch(ctx context.Context, p *FileProvider, onMissing func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(p.Folder); err != nil {
		return err
	}
	watched := map[string]bool{
		filepath.Clean(p.CertPath()): true,
		filepath.Clean(p.KeyPath()):  true,
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(ev.Name)] || ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if fileExists(ev.Name) {
				continue
			}
			log.Printf("[CERT] %s disappeared", ev.Name)
			onMissing(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("[CERT] watch error: %v", err)
		}
	}
}
