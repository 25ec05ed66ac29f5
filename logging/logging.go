package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

const (
	defaultMaxSize = 5 * 1024 * 1024 // 5MB
	defaultBackups = 2
)

// RotatingWriter appends to a log file and rolls it over to path.1, path.2,
// ... once it grows past maxSize.
type RotatingWriter struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	size    int64
	maxSize int64
	backups int
}

// Setup points the standard logger at stdout and a rotating file.
func Setup(logPath string) (*RotatingWriter, error) {
	rw, err := NewRotatingWriter(logPath, defaultMaxSize, defaultBackups)
	if err != nil {
		return nil, err
	}

	log.SetOutput(io.MultiWriter(os.Stdout, rw))
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	return rw, nil
}

func NewRotatingWriter(path string, maxSize int64, backups int) (*RotatingWriter, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if backups < 1 {
		backups = 1
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	info, _ := f.Stat()
	size := int64(0)
	if info != nil {
		size = info.Size()
	}

	rw := &RotatingWriter{
		file:    f,
		path:    path,
		size:    size,
		maxSize: maxSize,
		backups: backups,
	}
	if size > maxSize {
		rw.rotate()
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err = w.file.Write(p)
	w.size += int64(n)

	if w.size > w.maxSize {
		w.rotate()
	}

	return n, err
}

func (w *RotatingWriter) rotate() {
	w.file.Close()

	for i := w.backups - 1; i >= 1; i-- {
		os.Rename(backupName(w.path, i), backupName(w.path, i+1))
	}
	os.Rename(w.path, backupName(w.path, 1))

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return
	}

	w.file = f
	w.size = 0
}

func backupName(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
