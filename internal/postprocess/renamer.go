// Package postprocess turns a fully processed session into its output
// artifacts: renamed page files, an aggregated spreadsheet and a zip bundle.
package postprocess

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	fieldRef    = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)
	illegalRune = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	repeatedSep = regexp.MustCompile(`_{2,}`)
)

// Namer derives output filenames from extracted fields using a template of
// field references and literal text, e.g. "{VendorName}_{InvoiceDate}".
type Namer struct {
	template string
}

// NewNamer constructs a Namer.
func NewNamer(template string) *Namer {
	return &Namer{template: template}
}

// Derive resolves the template against the extracted fields and returns a
// sanitized filename with the original extension. When a referenced field
// is missing or empty the original filename is kept: a page that cannot be
// named is degraded, not failed.
func (n *Namer) Derive(fields map[string]string, originalName string, page int) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if ext == "" {
		ext = ".pdf"
	}
	resolved := true
	name := fieldRef.ReplaceAllStringFunc(n.template, func(ref string) string {
		key := ref[1 : len(ref)-1]
		if v, ok := fields[key]; ok && strings.TrimSpace(v) != "" {
			return v
		}
		resolved = false
		return ""
	})
	if !resolved || strings.TrimSpace(name) == "" {
		return fallbackName(originalName, page, ext)
	}
	name = Sanitize(name)
	if name == "" {
		return fallbackName(originalName, page, ext)
	}
	return name + ext
}

func fallbackName(originalName string, page int, ext string) string {
	base := strings.TrimSuffix(filepath.Base(originalName), filepath.Ext(originalName))
	base = Sanitize(base)
	if base == "" {
		base = "page"
	}
	return fmt.Sprintf("%s_p%d%s", base, page, ext)
}

// Sanitize strips characters illegal in filenames, maps whitespace to
// underscores and collapses repeated separators.
func Sanitize(name string) string {
	name = illegalRune.ReplaceAllString(name, "")
	name = strings.Join(strings.Fields(name), "_")
	name = repeatedSep.ReplaceAllString(name, "_")
	return strings.Trim(name, "_.")
}

// uniqueNames deduplicates derived filenames by suffixing a counter before
// the extension: two pages naming themselves Acme_2025.pdf become
// Acme_2025.pdf and Acme_2025_2.pdf.
type uniqueNames struct {
	seen map[string]int
}

func newUniqueNames() *uniqueNames {
	return &uniqueNames{seen: map[string]int{}}
}

func (u *uniqueNames) claim(name string) string {
	count := u.seen[strings.ToLower(name)]
	u.seen[strings.ToLower(name)] = count + 1
	if count == 0 {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%d%s", base, count+1, ext)
}
