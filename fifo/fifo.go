package fifo

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultPath is where producer and consumer meet unless configured otherwise.
const DefaultPath = "/tmp/ping_fifo"

const (
	// releaseRetry is how often a cancelled open retries attaching the
	// opposite end.
	releaseRetry = 10 * time.Millisecond
	// releaseAttempts bounds those retries.
	releaseAttempts = 20
)

// EnsureExists creates the named pipe at path. A pipe that already exists is
// not an error; any other file at path is.
func EnsureExists(path string) error {
	err := unix.Mkfifo(path, 0666)
	if err == nil {
		logrus.Debug("[ FIFO_CREATE ] path: ", path)
		return nil
	}
	if err != unix.EEXIST {
		return &SetupError{Op: "mkfifo", Path: path, Err: err}
	}

	fi, err := os.Stat(path)
	if err != nil {
		return &SetupError{Op: "stat", Path: path, Err: err}
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		return &SetupError{Op: "mkfifo", Path: path, Err: errors.New("file exists and is not a named pipe")}
	}

	return nil
}

// Remove unlinks the named pipe. A missing entry is not an error.
func Remove(path string) error {
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return errors.Wrapf(err, "unlink %s", path)
	}
	logrus.Debug("[ FIFO_REMOVE ] path: ", path)
	return nil
}

// OpenWrite opens the pipe for writing, blocking until a reader attaches or
// ctx is done.
func OpenWrite(ctx context.Context, path string) (*Channel, error) {
	return openBlocking(ctx, path, os.O_WRONLY, os.O_RDONLY|unix.O_NONBLOCK, "open FIFO for write")
}

// OpenRead opens the pipe for reading, blocking until a writer attaches or
// ctx is done.
func OpenRead(ctx context.Context, path string) (*Channel, error) {
	return openBlocking(ctx, path, os.O_RDONLY, os.O_WRONLY|unix.O_NONBLOCK, "open FIFO for read")
}

// OpenReadNonblock opens the pipe for reading without waiting for a writer.
// Use WaitReadable to block until data or a hang-up arrives.
func OpenReadNonblock(path string) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, &SetupError{Op: "open FIFO for read", Path: path, Err: err}
	}
	return newChannel(f, path), nil
}

// openBlocking runs the blocking open on its own goroutine. If ctx ends first
// the pending open is released by briefly attaching the opposite end. That
// only works while the path still names the inode the open waits on; after a
// bounded number of attempts the pending open is abandoned.
func openBlocking(ctx context.Context, path string, flag, peerFlag int, op string) (*Channel, error) {
	done := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(path, flag, 0)
		done <- openResult{f, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &SetupError{Op: op, Path: path, Err: r.err}
		}
		logrus.Debug("[ FIFO_OPEN ] ", op, " path: ", path)
		return newChannel(r.f, path), nil
	case <-ctx.Done():
	}

	if !release(path, peerFlag, done) {
		logrus.Debug("[ FIFO_ABANDON ] pending ", op, " path: ", path)
		go func() { (<-done).close() }()
	}
	return nil, ctx.Err()
}

type openResult struct {
	f   *os.File
	err error
}

func (r openResult) close() {
	if r.f != nil {
		r.f.Close()
	}
}

// release tries to complete the pending open behind done by attaching the
// opposite end of path. It reports whether the open returned.
func release(path string, peerFlag int, done <-chan openResult) bool {
	for attempt := 0; attempt < releaseAttempts; attempt++ {
		peer, err := os.OpenFile(path, peerFlag, 0)
		if err == nil {
			// Attached, so a pending open on this inode returns promptly.
			// Silence means it waits on a pipe that was unlinked since.
			select {
			case r := <-done:
				peer.Close()
				r.close()
				return true
			case <-time.After(releaseRetry * 10):
				peer.Close()
				return false
			}
		}
		// ENXIO means no open of the other end reached this inode yet.
		if !errors.Is(err, unix.ENXIO) {
			logrus.Debug("Unable to release pending FIFO open: ", err)
			return false
		}

		select {
		case r := <-done:
			r.close()
			return true
		case <-time.After(releaseRetry):
		}
	}
	return false
}
