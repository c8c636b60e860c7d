// Package prompts holds the generative model prompt templates. Each JSON file
// embedded here maps template names to text with {{.Name}} placeholders.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

//go:embed *.json
var files embed.FS

// Prompt is a named template.
type Prompt struct {
	Name string
	text string
}

// Text returns the unrendered template.
func (p *Prompt) Text() string { return p.text }

// Render substitutes vars into the template. Placeholders without a value
// are left in place.
func (p *Prompt) Render(vars map[string]string) string {
	if len(vars) == 0 {
		return p.text
	}
	pairs := make([]string, 0, 2*len(vars))
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		pairs = append(pairs, "{{."+name+"}}", vars[name])
	}
	return strings.NewReplacer(pairs...).Replace(p.text)
}

var loaded sync.Map // file name -> map[string]string

// Lookup returns the template called name in file.
func Lookup(file, name string) (*Prompt, error) {
	set, err := load(file)
	if err != nil {
		return nil, err
	}
	text, ok := set[name]
	if !ok {
		return nil, fmt.Errorf("prompt %q not found in %s", name, file)
	}
	return &Prompt{Name: name, text: text}, nil
}

// MustLookup is Lookup for templates the program cannot run without.
func MustLookup(file, name string) *Prompt {
	p, err := Lookup(file, name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names lists the templates in file, sorted.
func Names(file string) ([]string, error) {
	set, err := load(file)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(set)), nil
}

func load(file string) (map[string]string, error) {
	if set, ok := loaded.Load(file); ok {
		return set.(map[string]string), nil
	}
	data, err := files.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", file, err)
	}
	var set map[string]string
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", file, err)
	}
	actual, _ := loaded.LoadOrStore(file, set)
	return actual.(map[string]string), nil
}
