package rvth

import (
	"context"
	"io"

	"go4.org/readerutil"
)

const (
	// chunkSize is the unit of copying, 64 sectors.
	chunkSize = 0x8000
	// progressInterval is the least number of bytes between progress updates.
	progressInterval = 1 << 20
)

// Progress receives the number of bytes copied so far and the total.
type Progress interface {
	Update(done, total int64)
}

// ProgressFunc adapts a function to the Progress interface.
type ProgressFunc func(done, total int64)

// Update calls f(done, total).
func (f ProgressFunc) Update(done, total int64) {
	f(done, total)
}

// Copy copies all of src to dst in chunks, checking ctx between each one.
// p, if not nil, is updated at most once per MiB and once more at the end.
//
// On cancellation ErrCancelled is returned along with the number of bytes
// already written, which are left in place. Read and write failures are
// returned as an *IOError.
func Copy(ctx context.Context, dst io.Writer, src readerutil.SizeReaderAt, p Progress) (int64, error) {
	total := src.Size()
	buf := make([]byte, chunkSize)

	var done, last int64
	for done < total {
		if ctx.Err() != nil {
			return done, ErrCancelled
		}

		n := int64(len(buf))
		if total-done < n {
			n = total - done
		}

		nr, err := src.ReadAt(buf[:n], done)
		if int64(nr) < n {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return done, &IOError{Op: "read", Offset: done + int64(nr), Err: err}
		}

		nw, err := dst.Write(buf[:n])
		if err == nil && int64(nw) < n {
			err = io.ErrShortWrite
		}
		if err != nil {
			return done + int64(nw), &IOError{Op: "write", Offset: done + int64(nw), Err: err}
		}

		done += n
		if p != nil && done < total && done-last >= progressInterval {
			p.Update(done, total)
			last = done
		}
	}

	if p != nil {
		p.Update(done, total)
	}

	return done, nil
}
