/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/xslices"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "learning_rate=0.001;window=4;...".
//
// All the keys ("learning_rate", "window", etc.) must already be present with default
// values in params. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates params accordingly and returns an error in case a key is unknown or the
// parsing failed.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a
// separator, like in Go. E.g.: 1_000_000 = 1000000.
//
// See the example in CreateSettingsFlag, which will create a flag for the settings.
//
// Example usage:
//
//	func main() {
//		params := defaultParams()
//		settings := commandline.CreateSettingsFlag(params, "")
//		flag.Parse()
//		keysSet, err := commandline.ParseSettings(params, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintModifiedSettings(params, keysSet))
//		...
//	}
func ParseSettings(params map[string]any, settings string) (keysSet []string, err error) {
	settingsList := strings.Split(settings, ";")
	for _, setting := range settingsList {
		keysSet, err = parseSetting(params, setting, keysSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params map[string]any, setting string, keysSet []string) (newKeysSet []string, err error) {
	newKeysSet = keysSet
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		// Read settings from a file.
		filePath := strings.TrimPrefix(setting, "file:")
		filePath, err = replaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		lines := strings.Split(string(contents), "\n")
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			settings := strings.Split(line, ";")
			for _, setting := range settings {
				newKeysSet, err = parseSetting(params, setting, newKeysSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
			setting, setting)
		return
	}
	key, valueStr := parts[0], parts[1]
	value, found := params[key]
	if !found {
		err = errors.Errorf("can't set parameter %q because it is not a known hyperparameter", key)
		return
	}

	// Parse value accordingly.
	// Is there a better way of doing this using reflection?
	switch v := value.(type) {
	case int:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case int32:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case int64:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case uint:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case uint32:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case uint64:
		valueStr = strings.Replace(valueStr, "_", "", -1)
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case float32:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []string:
		value = strings.Split(valueStr, ",")
	case []int:
		parts := strings.Split(valueStr, ",")
		value = xslices.Map(parts, func(str string) int {
			var asInt int
			str = strings.Replace(str, "_", "", -1)
			newErr := json.Unmarshal([]byte(str), &asInt)
			if newErr != nil {
				err = newErr
			}
			return asInt
		})
	case []float64:
		parts := strings.Split(valueStr, ",")
		value = xslices.Map(parts, func(str string) float64 {
			var asNum float64
			newErr := json.Unmarshal([]byte(str), &asNum)
			if newErr != nil {
				err = newErr
			}
			return asNum
		})
	default:
		err = fmt.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, key, value)
		return
	}
	params[key] = value
	newKeysSet = append(newKeysSet, key)
	return
}

// replaceTildeInDir expands a leading "~" to the user's home directory.
func replaceTildeInDir(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir, errors.Wrapf(err, "failed to find user's home directory to expand %q", dir)
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be
// named "set") and with a description of the currently defined hyperparameters in params.
//
// The flag should be created before the call to flag.Parse().
func CreateSettingsFlag(params map[string]any, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set training hyperparameters. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`)
	for _, key := range xslices.SortedKeys(params) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, params[key]))
	}
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-prints the current hyperparameter settings into a string.
func SprintSettings(params map[string]any) string {
	var parts []string
	for _, key := range xslices.SortedKeys(params) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, params[key], params[key]))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints only the settings listed in keysSet, typically
// the list returned by ParseSettings.
func SprintModifiedSettings(params map[string]any, keysSet []string) string {
	var parts []string
	keysSet = slices.Clone(keysSet)
	slices.Sort(keysSet)
	var lastKey string
	for _, key := range keysSet {
		// Remove duplicates.
		if key == lastKey {
			continue
		}
		lastKey = key
		value, found := params[key]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
