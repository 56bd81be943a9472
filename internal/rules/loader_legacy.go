package rules

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// legacySectionKey is the unscoped key historical revisions used before
// the bus-type section suffix was introduced (spec.md §6, "historical
// compatibility").
const legacySectionKey = "dbus-proxy-config"

// LoadLegacyJSON reads newline-delimited JSON records using the historical
// unscoped "dbus-proxy-config" key instead of a bus-type section. Per
// spec.md's Design Notes, this loader must not be run in the same process
// invocation as Load (the JSON-section loader); callers enforce that at
// startup, not here.
func LoadLegacyJSON(r io.Reader, engine *Engine) []error {
	var errs []error
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rules, err := parseRecord(line, legacySectionKey)
		if err != nil {
			errs = append(errs, &ConfigError{Line: lineNo, Err: err})
			continue
		}
		if rules != nil {
			engine.Append(rules...)
		}
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, &ConfigError{Line: -1, Err: fmt.Errorf("reading legacy config stream: %w", err)})
	}
	return errs
}

// LoadLegacyLines reads the earliest plain-text rule format: one rule per
// line, fields separated by ";" in the fixed order
// direction;interface;object-path;member. The method field of each parsed
// rule is a single pattern, since this format predates the
// string-or-array method field.
func LoadLegacyLines(r io.Reader, engine *Engine) []error {
	var errs []error
	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rule, err := parseLegacyLine(line)
		if err != nil {
			errs = append(errs, &ConfigError{Line: lineNo, Err: err})
			continue
		}
		engine.Append(rule)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, &ConfigError{Line: -1, Err: fmt.Errorf("reading legacy line stream: %w", err)})
	}
	return errs
}

func parseLegacyLine(line string) (Rule, error) {
	parts := strings.Split(line, ";")
	if len(parts) != 4 {
		return Rule{}, fmt.Errorf("expected 4 ;-separated fields, got %d", len(parts))
	}
	return Rule{
		Direction:  parts[0],
		Interface:  parts[1],
		ObjectPath: parts[2],
		Method:     Method{patterns: []string{parts[3]}},
	}, nil
}
