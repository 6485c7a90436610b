/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package gerrit

import (
	"strconv"
	"strings"
)

// ParseCommitMessageMeta scans a commit message body line by line looking
// for "Key: value" trailer-style lines, ported from get_message_meta.
// "Closes" and "Resolves" are cumulative: every occurrence appends to a
// list rather than overwriting. "Priority" is parsed as an int; a
// malformed Priority line is silently ignored rather than erroring,
// since a typo in a commit trailer should never block a change from
// entering the queue at default priority.
func ParseCommitMessageMeta(body string) map[string]interface{} {
	meta := map[string]interface{}{}
	var closes, resolves []string

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" || value == "" {
			continue
		}

		switch key {
		case "Closes":
			closes = append(closes, splitAndTrim(value)...)
		case "Resolves":
			resolves = append(resolves, splitAndTrim(value)...)
		case "Priority":
			if n, err := strconv.Atoi(value); err == nil {
				meta["priority"] = n
			}
		default:
			meta[key] = value
		}
	}

	if len(closes) > 0 {
		meta["closes"] = closes
	}
	if len(resolves) > 0 {
		meta["resolves"] = resolves
	}
	return meta
}

// splitAndTrim splits a "Closes: a, b" trailer value on commas, trimming
// whitespace from each entry, matching common.py's value.strip().split(',').
func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Priority extracts the parsed Priority field, defaulting to 100 (gerrit_mq's
// documented default: 0 is highest priority, 100 is default).
func Priority(meta map[string]interface{}) int {
	if v, ok := meta["priority"]; ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 100
}

// FeatureBranch extracts the required Feature-Branch trailer. Absence is
// reported via ok=false; callers must fail the change rather than guess.
func FeatureBranch(meta map[string]interface{}) (branch string, ok bool) {
	v, present := meta["Feature-Branch"]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
