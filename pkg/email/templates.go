package email

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

//go:embed templates/*.liquid
var embeddedTemplates embed.FS

var (
	ErrTemplateNotFound = errors.New("email template not found")

	templateNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

const (
	partSubject = "subject"
	partHTML    = "html"
	partText    = "txt"
)

// Rendered is the stored form of a template after variable substitution.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Templates renders named liquid templates. A template called "welcome" is
// the files welcome.subject.liquid, welcome.html.liquid and
// welcome.txt.liquid; files in the override directory shadow the embedded
// defaults part by part.
type Templates struct {
	engine  *liquid.Engine
	sources []fs.FS

	mu    sync.RWMutex
	cache map[string]*liquid.Template
}

func NewTemplates(dir string) (*Templates, error) {
	sources := []fs.FS{}
	if strings.TrimSpace(dir) != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, fmt.Errorf("email templates dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("email templates dir %q is not a directory", dir)
		}
		sources = append(sources, os.DirFS(dir))
	}
	embedded, err := fs.Sub(embeddedTemplates, "templates")
	if err != nil {
		return nil, err
	}
	sources = append(sources, embedded)
	return newTemplates(sources...), nil
}

func newTemplates(sources ...fs.FS) *Templates {
	engine := liquid.NewEngine()
	return &Templates{
		engine:  engine,
		sources: sources,
		cache:   map[string]*liquid.Template{},
	}
}

// Has reports whether a subject exists for name.
func (t *Templates) Has(name string) bool {
	if !templateNamePattern.MatchString(name) {
		return false
	}
	_, err := t.source(name, partSubject)
	return err == nil
}

// Render substitutes vars into every part of the named template.
func (t *Templates) Render(name string, vars map[string]any) (Rendered, error) {
	if !templateNamePattern.MatchString(name) {
		return Rendered{}, fmt.Errorf("%w: invalid name %q", ErrTemplateNotFound, name)
	}
	subject, err := t.renderPart(name, partSubject, vars)
	if err != nil {
		return Rendered{}, err
	}
	html, err := t.renderPart(name, partHTML, vars)
	if err != nil && !errors.Is(err, ErrTemplateNotFound) {
		return Rendered{}, err
	}
	text, err := t.renderPart(name, partText, vars)
	if err != nil && !errors.Is(err, ErrTemplateNotFound) {
		return Rendered{}, err
	}
	if html == "" && text == "" {
		return Rendered{}, fmt.Errorf("email template %q rendered an empty body", name)
	}
	return Rendered{
		Subject: strings.Join(strings.Fields(subject), " "),
		HTML:    html,
		Text:    text,
	}, nil
}

func (t *Templates) renderPart(name, part string, vars map[string]any) (string, error) {
	tpl, err := t.compiled(name, part)
	if err != nil {
		return "", err
	}
	out, renderErr := tpl.RenderString(vars)
	if renderErr != nil {
		return "", fmt.Errorf("render %s.%s: %w", name, part, renderErr)
	}
	return out, nil
}

func (t *Templates) compiled(name, part string) (*liquid.Template, error) {
	key := name + "." + part
	t.mu.RLock()
	tpl, ok := t.cache[key]
	t.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	src, err := t.source(name, part)
	if err != nil {
		return nil, err
	}
	parsed, parseErr := t.engine.ParseString(src)
	if parseErr != nil {
		return nil, fmt.Errorf("parse %s: %w", key, parseErr)
	}
	t.mu.Lock()
	t.cache[key] = parsed
	t.mu.Unlock()
	return parsed, nil
}

func (t *Templates) source(name, part string) (string, error) {
	file := fmt.Sprintf("%s.%s.liquid", name, part)
	for _, src := range t.sources {
		raw, err := fs.ReadFile(src, file)
		if err == nil {
			return string(raw), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, file)
}
