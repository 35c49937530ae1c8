package cheatcode

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/edrgo/edr/solidity"
)

// lineReader is the cursor of readLine over one file.
type lineReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

func (s *Cheats) path(p string, want solidity.FsAccess) (string, error) {
	return s.cfg.FsPermissions.Check(s.cfg.ProjectRoot, p, want)
}

func (s *Cheats) readLine(p string) (string, error) {
	abs, err := s.path(p, solidity.FsRead)
	if err != nil {
		return "", err
	}
	r, ok := s.readers[abs]
	if !ok {
		f, err := os.Open(abs)
		if err != nil {
			return "", err
		}
		r = &lineReader{file: f, scanner: bufio.NewScanner(f)}
		s.readers[abs] = r
	}
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	return "", r.scanner.Err()
}

func (s *Cheats) closeFile(abs string) {
	if r, ok := s.readers[abs]; ok {
		r.file.Close()
		delete(s.readers, abs)
	}
}

// Close releases the files opened by readLine.
func (s *Cheats) Close() {
	for abs := range s.readers {
		s.closeFile(abs)
	}
}

func (s *Cheats) writeFile(p string, data []byte, flag int) error {
	abs, err := s.path(p, solidity.FsWrite)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(abs, flag|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	pure("projectRoot()", args("string"), func(s *Cheats, _ *callContext, _ []any) ([]any, error) {
		return []any{s.cfg.ProjectRoot}, nil
	})
	impure("readFile(string)", args("string"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		abs, err := s.path(a[0].(string), solidity.FsRead)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		return []any{string(data)}, nil
	})
	impure("readFileBinary(string)", args("bytes"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		abs, err := s.path(a[0].(string), solidity.FsRead)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		return []any{data}, nil
	})
	impure("readLine(string)", args("string"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		line, err := s.readLine(a[0].(string))
		if err != nil {
			return nil, err
		}
		return []any{line}, nil
	})
	impure("closeFile(string)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		abs, err := s.path(a[0].(string), solidity.FsRead)
		if err != nil {
			return nil, err
		}
		s.closeFile(abs)
		return none()
	})
	impure("writeFile(string,string)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		return nil, s.writeFile(a[0].(string), []byte(a[1].(string)), os.O_TRUNC)
	})
	impure("writeFileBinary(string,bytes)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		return nil, s.writeFile(a[0].(string), a[1].([]byte), os.O_TRUNC)
	})
	impure("writeLine(string,string)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		return nil, s.writeFile(a[0].(string), []byte(a[1].(string)+"\n"), os.O_APPEND)
	})
	impure("removeFile(string)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		abs, err := s.path(a[0].(string), solidity.FsWrite)
		if err != nil {
			return nil, err
		}
		s.closeFile(abs)
		return nil, os.Remove(abs)
	})
	impure("createDir(string,bool)", nil, func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		abs, err := s.path(a[0].(string), solidity.FsWrite)
		if err != nil {
			return nil, err
		}
		if a[1].(bool) {
			return nil, os.MkdirAll(abs, 0o755)
		}
		return nil, os.Mkdir(abs, 0o755)
	})
	impure("exists(string)", args("bool"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		abs, err := s.path(a[0].(string), solidity.FsRead)
		if err != nil {
			return nil, err
		}
		_, err = os.Stat(abs)
		switch {
		case err == nil:
			return []any{true}, nil
		case errors.Is(err, fs.ErrNotExist):
			return []any{false}, nil
		}
		return nil, err
	})
	impure("isDir(string)", args("bool"), func(s *Cheats, _ *callContext, a []any) ([]any, error) {
		abs, err := s.path(a[0].(string), solidity.FsRead)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if errors.Is(err, fs.ErrNotExist) {
			return []any{false}, nil
		} else if err != nil {
			return nil, err
		}
		return []any{info.IsDir()}, nil
	})
}
