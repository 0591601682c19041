// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/moerouter/pkg/ml/moe"
	"github.com/pkg/errors"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "k=1;capacity_factor=2.0".
//
// The parameters are the ones listed by moe.Config.Params, and the values are parsed according to
// the type of the parameter.
//
// It updates cfg accordingly and returns the names of the parameters set, or an error in case a
// parameter is unknown or the parsing failed.
//
// A setting can also be "file:<path>", in which case the settings are read from the file, one or
// more per line. Lines starting with "#" are comments.
//
// Example usage:
//
//	func main() {
//		cfg := moe.DefaultConfig()
//		settings := commandline.CreateSettingsFlag(cfg, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(&cfg, *settings)
//		if err != nil { klog.Exitf("%+v", err) }
//		fmt.Println(commandline.SprintSettings(cfg))
//		...
//	}
func ParseSettings(cfg *moe.Config, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(cfg, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(cfg *moe.Config, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := replaceTildeInPath(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return newParamsSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return newParamsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(cfg, lineSetting, newParamsSet)
				if err != nil {
					return newParamsSet, err
				}
			}
		}
		return newParamsSet, nil
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if err = cfg.SetParam(name, valueStr); err != nil {
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

// replaceTildeInPath replaces a leading "~" by the user's home directory.
func replaceTildeInPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path, errors.Wrapf(err, "failed to find home directory to expand %q", path)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters of cfg, and their default values.
//
// The flag should be created before the call to `flag.Parse()`.
func CreateSettingsFlag(cfg moe.Config, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set routing parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Parameters that can be set:`,
	}
	for _, p := range cfg.Params() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", p.Name, p.Value))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints the parameters of cfg into a string, one per line.
func SprintSettings(cfg moe.Config) string {
	var parts []string
	for _, p := range cfg.Params() {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", p.Name, p.Value, p.Value))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints only the parameters in paramsSet, as returned by ParseSettings.
func SprintModifiedSettings(cfg moe.Config, paramsSet []string) string {
	var parts []string
	for _, p := range cfg.Params() {
		if !slices.Contains(paramsSet, p.Name) {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", p.Name, p.Value, p.Value))
	}
	return strings.Join(parts, "\n")
}
