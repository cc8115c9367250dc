package prompt

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"gopkg.in/yaml.v3"
)

// Script is a find/replace rewrite rule. Find accepts either a bare pattern
// or the /pattern/flags form with flags g, i, m and s.
type Script struct {
	ID          string   `yaml:"id" json:"id"`
	Find        string   `yaml:"find" json:"find"`
	Replace     string   `yaml:"replace" json:"replace"`
	TrimStrings []string `yaml:"trim_strings,omitempty" json:"trim_strings,omitempty"`
	Disabled    bool     `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// ScriptError wraps a failure of one script on one item.
type ScriptError struct {
	ScriptID string
	Err      error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %q: %v", e.ScriptID, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

type compiledScript struct {
	Script
	re     *regexp2.Regexp
	global bool
	err    error
}

// ScriptSet holds compiled scripts by ID and implements Transformer.
type ScriptSet struct {
	mu      sync.RWMutex
	scripts map[string]*compiledScript
}

const scriptMatchTimeout = 2 * time.Second

func NewScriptSet(scripts ...Script) *ScriptSet {
	s := &ScriptSet{scripts: make(map[string]*compiledScript)}
	for _, sc := range scripts {
		s.Add(sc)
	}
	return s
}

// LoadScripts reads a YAML list of scripts. A missing file yields an empty set.
func LoadScripts(path string) (*ScriptSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewScriptSet(), nil
		}
		return nil, fmt.Errorf("read scripts: %w", err)
	}
	var doc struct {
		Scripts []Script `yaml:"scripts"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scripts: %w", err)
	}
	return NewScriptSet(doc.Scripts...), nil
}

// Add compiles and registers sc. Compilation errors surface on Apply so a
// bad script only affects the items that use it.
func (s *ScriptSet) Add(sc Script) {
	cs := &compiledScript{Script: sc}
	cs.re, cs.global, cs.err = compileFind(sc.Find)
	s.mu.Lock()
	s.scripts[sc.ID] = cs
	s.mu.Unlock()
}

// IDs returns the registered script IDs.
func (s *ScriptSet) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.scripts))
	for id := range s.scripts {
		ids = append(ids, id)
	}
	return ids
}

func (s *ScriptSet) Apply(scriptID, text string) (string, error) {
	s.mu.RLock()
	cs, ok := s.scripts[scriptID]
	s.mu.RUnlock()
	if !ok {
		return text, &ScriptError{ScriptID: scriptID, Err: fmt.Errorf("not found")}
	}
	if cs.Disabled {
		return text, nil
	}
	if cs.err != nil {
		return text, &ScriptError{ScriptID: scriptID, Err: cs.err}
	}

	count := 1
	if cs.global {
		count = -1
	}
	replace := strings.ReplaceAll(cs.Replace, "{{match}}", "$0")
	out, err := cs.re.Replace(text, replace, -1, count)
	if err != nil {
		return text, &ScriptError{ScriptID: scriptID, Err: err}
	}
	for _, trim := range cs.TrimStrings {
		if trim != "" {
			out = strings.ReplaceAll(out, trim, "")
		}
	}
	return out, nil
}

func compileFind(find string) (*regexp2.Regexp, bool, error) {
	if find == "" {
		return nil, false, fmt.Errorf("empty find pattern")
	}
	pattern, flags := find, ""
	if strings.HasPrefix(find, "/") {
		if end := strings.LastIndex(find, "/"); end > 0 {
			pattern, flags = find[1:end], find[end+1:]
		}
	}

	opts := regexp2.RegexOptions(regexp2.ECMAScript)
	global := false
	for _, f := range flags {
		switch f {
		case 'g':
			global = true
		case 'i':
			opts |= regexp2.IgnoreCase
		case 'm':
			opts |= regexp2.Multiline
		case 's':
			opts |= regexp2.Singleline
		case 'u', 'y':
		default:
			return nil, false, fmt.Errorf("unsupported regex flag %q", f)
		}
	}
	if opts&regexp2.Singleline != 0 {
		// ECMAScript mode rejects the single-line option.
		opts &^= regexp2.ECMAScript
	}
	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, false, fmt.Errorf("compile %q: %w", find, err)
	}
	re.MatchTimeout = scriptMatchTimeout
	return re, global, nil
}
