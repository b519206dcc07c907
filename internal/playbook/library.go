// Package playbook loads the remediation rule set and matches events
// against it. The rule set is immutable once loaded; hot reload swaps the
// whole set atomically so in-flight executions keep the snapshot they
// started with.
package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aios/aios/internal/common/logger"
	"github.com/aios/aios/internal/events"
	v1 "github.com/aios/aios/pkg/api/v1"
)

// Rule is a validated playbook with its condition regexes precompiled.
type Rule struct {
	v1.Playbook
	regexes map[int]*regexp.Regexp // condition index -> compiled pattern
}

type ruleSet struct {
	rules []*Rule
	byID  map[string]*Rule
}

// Library holds the active rule set and watches the source file for changes.
type Library struct {
	log  *logger.Logger
	path string

	set     atomic.Pointer[ruleSet]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLibrary loads path and returns the library. A missing file yields an
// empty rule set; a malformed file is an error.
func NewLibrary(path string, log *logger.Logger) (*Library, error) {
	l := &Library{
		log:  log.WithFields(zap.String("component", "playbook-library")),
		path: path,
		done: make(chan struct{}),
	}
	set, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	l.set.Store(set)
	l.log.Info("playbooks loaded", zap.Int("count", len(set.rules)), zap.String("path", path))
	return l, nil
}

// Watch starts hot reload. On a change event the file is re-parsed and, if
// valid, swapped in; a broken edit keeps the previous set active.
func (l *Library) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create playbook watcher: %w", err)
	}
	// Watch the directory: editors replace the file, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch playbook dir: %w", err)
	}
	l.watcher = watcher

	go func() {
		base := filepath.Base(l.path)
		for {
			select {
			case <-l.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				l.Reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Error("playbook watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Reload re-reads the source file and atomically swaps the rule set.
func (l *Library) Reload() {
	set, err := loadFile(l.path)
	if err != nil {
		l.log.Error("playbook reload failed, keeping previous set", zap.Error(err))
		return
	}
	l.set.Store(set)
	l.log.Info("playbooks reloaded", zap.Int("count", len(set.rules)))
}

// Close stops the watcher.
func (l *Library) Close() {
	close(l.done)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// Match returns the playbooks triggered by the event, in declared order.
// The first match wins unless it sets multi_match, in which case evaluation
// continues.
func (l *Library) Match(event *v1.Event) []*Rule {
	set := l.set.Load()
	var matched []*Rule
	for _, rule := range set.rules {
		if !events.Match(rule.Trigger, event.Type) {
			continue
		}
		if !rule.conditionsHold(event) {
			continue
		}
		matched = append(matched, rule)
		if !rule.MultiMatch {
			break
		}
	}
	return matched
}

// Get returns a rule by id.
func (l *Library) Get(id string) (*Rule, bool) {
	rule, ok := l.set.Load().byID[id]
	return rule, ok
}

// List returns the active rules in declared order.
func (l *Library) List() []*Rule {
	set := l.set.Load()
	out := make([]*Rule, len(set.rules))
	copy(out, set.rules)
	return out
}

func loadFile(path string) (*ruleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ruleSet{byID: make(map[string]*Rule)}, nil
		}
		return nil, fmt.Errorf("failed to read playbooks: %w", err)
	}
	var defs []v1.Playbook
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse playbooks: %w", err)
	}
	return build(defs)
}

// Load builds a rule set directly from definitions. Used by tests.
func Load(defs []v1.Playbook, log *logger.Logger) (*Library, error) {
	set, err := build(defs)
	if err != nil {
		return nil, err
	}
	l := &Library{
		log:  log.WithFields(zap.String("component", "playbook-library")),
		done: make(chan struct{}),
	}
	l.set.Store(set)
	return l, nil
}

func build(defs []v1.Playbook) (*ruleSet, error) {
	set := &ruleSet{byID: make(map[string]*Rule, len(defs))}
	for i := range defs {
		rule, err := compile(&defs[i])
		if err != nil {
			return nil, fmt.Errorf("playbook %q: %w", defs[i].ID, err)
		}
		if _, dup := set.byID[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate playbook id %q", rule.ID)
		}
		set.rules = append(set.rules, rule)
		set.byID[rule.ID] = rule
	}
	return set, nil
}

func compile(pb *v1.Playbook) (*Rule, error) {
	if pb.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if pb.Trigger == "" {
		return nil, fmt.Errorf("trigger is required")
	}
	if len(pb.Actions) == 0 {
		return nil, fmt.Errorf("at least one action is required")
	}
	if !pb.RiskClass.Valid() {
		return nil, fmt.Errorf("invalid risk class %q", pb.RiskClass)
	}
	if pb.AutoExecute && pb.RiskClass != v1.RiskLow {
		return nil, fmt.Errorf("auto_execute requires risk_class=low, got %q", pb.RiskClass)
	}
	rule := &Rule{Playbook: *pb}
	for i, cond := range pb.Conditions {
		switch cond.Op {
		case "eq", "ne", "gt", "gte", "lt", "lte":
		case "regex":
			pattern, ok := cond.Value.(string)
			if !ok {
				return nil, fmt.Errorf("condition %d: regex value must be a string", i)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("condition %d: %w", i, err)
			}
			if rule.regexes == nil {
				rule.regexes = make(map[int]*regexp.Regexp)
			}
			rule.regexes[i] = re
		default:
			return nil, fmt.Errorf("condition %d: unknown op %q", i, cond.Op)
		}
	}
	return rule, nil
}

func (r *Rule) conditionsHold(event *v1.Event) bool {
	for i, cond := range r.Conditions {
		value, ok := lookupField(event, cond.Field)
		if !ok {
			return false
		}
		if !evalCondition(cond, r.regexes[i], value) {
			return false
		}
	}
	return true
}

// lookupField resolves a condition field against the event. Well-known
// fields (type, source, agent_id, task_id, severity) resolve on the event
// itself; dotted paths descend into the payload.
func lookupField(event *v1.Event, field string) (interface{}, bool) {
	switch field {
	case "type":
		return event.Type, true
	case "source":
		return event.Source, true
	case "agent_id":
		return event.AgentID, true
	case "task_id":
		return event.TaskID, true
	case "severity":
		return string(event.Severity), true
	}
	var current interface{} = event.Payload
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func evalCondition(cond v1.Condition, re *regexp.Regexp, value interface{}) bool {
	switch cond.Op {
	case "eq":
		return looseEqual(value, cond.Value)
	case "ne":
		return !looseEqual(value, cond.Value)
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "regex":
		s, ok := value.(string)
		return ok && re != nil && re.MatchString(s)
	}
	return false
}

// looseEqual compares across JSON's number/string representations so that a
// condition written as 95 matches a payload carrying 95.0.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
