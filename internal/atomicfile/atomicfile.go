/*
 * Copyright (c) SAS Institute Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Modified for go-sideload: the final file mode is set on Commit and
 * WriteFile wraps a whole-buffer write.
 */

// Package atomicfile writes files through a temporary sibling that is renamed
// over the destination on Commit, so readers never observe a partial file.
package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// File is a pending write. Close without Commit discards it.
type File interface {
	io.WriteCloser
	Commit() error
}

type atomicFile struct {
	name     string
	mode     os.FileMode
	tempfile *os.File
}

// New starts a write to name. The final file gets the given mode.
func New(name string, mode os.FileMode) (File, error) {
	tempfile, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp")
	if err != nil {
		return nil, err
	}
	return &atomicFile{name: name, mode: mode, tempfile: tempfile}, nil
}

func (f *atomicFile) Write(d []byte) (int, error) {
	if f.tempfile == nil {
		return 0, os.ErrClosed
	}
	return f.tempfile.Write(d)
}

func (f *atomicFile) Close() error {
	if f.tempfile == nil {
		return nil
	}
	_ = f.tempfile.Close()
	_ = os.Remove(f.tempfile.Name())
	f.tempfile = nil
	return nil
}

func (f *atomicFile) Commit() error {
	if f.tempfile == nil {
		return errors.New("file is closed")
	}
	if err := f.tempfile.Chmod(f.mode); err != nil {
		return err
	}
	if err := f.tempfile.Sync(); err != nil {
		return err
	}
	if err := f.tempfile.Close(); err != nil {
		return err
	}
	// rename can't overwrite on windows
	if err := os.Remove(f.name); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(f.tempfile.Name(), f.name); err != nil {
		return err
	}
	f.tempfile = nil
	return nil
}

// WriteFile replaces name with data in one step, creating parent
// directories as needed.
func WriteFile(name string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	f, err := New(name, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Commit()
}
