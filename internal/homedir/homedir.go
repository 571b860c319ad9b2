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

package homedir

import (
	"os"
	"os/user"

	"github.com/pkg/errors"
)

// Get returns the current user's home directory: $HOME when set,
// otherwise the home directory from the user database.
func Get() (string, error) {
	return get(os.Getenv, user.Current)
}

func get(getenv func(string) string, current func() (*user.User, error)) (string, error) {
	if h := getenv("HOME"); h != "" {
		return h, nil
	}
	usr, err := current()
	if err != nil {
		return "", errors.Wrap(err, "unable to determine the home directory")
	}
	if usr.HomeDir == "" {
		return "", errors.Errorf("user %q has no home directory", usr.Username)
	}
	return usr.HomeDir, nil
}
