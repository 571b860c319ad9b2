// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package configdir manages the per-user directory holding the filter
// configuration and the run history.
package configdir

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	DirName     = ".mandarin"
	ConfigName  = "config.toml"
	HistoryName = "history.db"

	dirFileMode    = 0700
	configFileMode = 0600
)

// Accepted in place of ConfigName when it does not exist, in order.
var alternateNames = []string{"config.yaml", "config.yml"}

var (
	ErrNotFound = errors.New("config file not found")
)

// Default is the configuration written by Init.
const Default = `# Each [[filter]] becomes one Gmail filter.
#   query   = "field:value"  (required)
#   label   = "name"         (optional)
#   archive = true|false     (optional)
#   read    = true|false     (optional)

[[filter]]
query = "to:(dammy@gmail.com)"
label = "000"

[[filter]]
query = "to:(dammy@gmail.com)"
label = "100"

[[filter]]
query = "to:(hoge@gmail.com)"
label = "000/001_hoge"
archive = true
read = true
`

// Dir is the configuration directory below a base directory,
// normally the user's home.
type Dir struct {
	path string
}

func New(base string) *Dir {
	return &Dir{path: filepath.Join(base, DirName)}
}

// Root returns the directory path.
func (d *Dir) Root() string {
	return d.path
}

// HistoryPath returns the path of the run history database.
func (d *Dir) HistoryPath() string {
	return filepath.Join(d.path, HistoryName)
}

// ConfigPath returns the configuration file in use: config.toml, or
// the first existing alternate when config.toml is absent.  When no
// file exists it returns the config.toml path.
func (d *Dir) ConfigPath() string {
	primary := filepath.Join(d.path, ConfigName)
	if fileExists(primary) {
		return primary
	}
	for _, name := range alternateNames {
		p := filepath.Join(d.path, name)
		if fileExists(p) {
			return p
		}
	}
	return primary
}

// Init creates the directory and writes Default to the config file,
// unless a config file already exists.  It returns the config path
// and whether the file was created.
func (d *Dir) Init() (path string, created bool, err error) {
	if err := mkdir(d.path); err != nil {
		return "", false, errors.Wrapf(err, "unable to create %s", d.path)
	}
	path = d.ConfigPath()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, configFileMode)
	if err != nil {
		if os.IsExist(err) {
			return path, false, nil
		}
		return "", false, errors.Wrapf(err, "unable to create %s", path)
	}
	if _, err := f.WriteString(Default); err != nil {
		f.Close()
		return "", false, errors.Wrapf(err, "unable to write %s", path)
	}
	if err := f.Close(); err != nil {
		return "", false, errors.Wrapf(err, "unable to write %s", path)
	}
	return path, true, nil
}

// Read returns the contents of the config file at path.  A missing
// file is reported as ErrNotFound.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound,
				"%s (run \"mandarin init\" to create it)", path)
		}
		return nil, errors.Wrapf(err, "unable to read %s", path)
	}
	return data, nil
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
