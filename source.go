package rvth

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"go4.org/readerutil"
)

const partPrefix = ".part"

// Source is a disc image to import.
type Source interface {
	readerutil.SizeReaderAt
	io.Closer
}

type source struct {
	r readerutil.SizeReaderAt
	c []io.Closer
}

func closeAll(err error, files []io.Closer) error {
	for _, file := range files {
		err = multierror.Append(err, file.Close())
	}
	return err
}

// OpenSource opens a disc image. A file named like "game.part0.iso" is
// joined with "game.part1.iso", "game.part2.iso" and so on, for as many parts
// as exist.
func OpenSource(name string) (Source, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, closeAll(err, []io.Closer{f})
	}

	var sr readerutil.SizeReaderAt = io.NewSectionReader(f, 0, info.Size())
	files := []io.Closer{f}

	ext := filepath.Ext(name)
	if stem := strings.TrimSuffix(name, ext); strings.HasSuffix(stem, partPrefix+"0") {
		stem = strings.TrimSuffix(stem, "0")
		mr := []readerutil.SizeReaderAt{sr}
		for i := 1; true; i++ {
			if f, err = fs.Open(fmt.Sprintf("%s%d%s", stem, i, ext)); err != nil {
				if os.IsNotExist(err) {
					break
				}
				return nil, closeAll(err, files)
			}
			files = append(files, f)

			if info, err = f.Stat(); err != nil {
				return nil, closeAll(err, files)
			}

			mr = append(mr, io.NewSectionReader(f, 0, info.Size()))
		}
		sr = readerutil.NewMultiReaderAt(mr...)
	}

	return &source{
		r: sr,
		c: files,
	}, nil
}

func (s *source) Size() int64 {
	return s.r.Size()
}

func (s *source) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

func (s *source) Close() error {
	var result *multierror.Error
	for _, c := range s.c {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
