// Package dashboard renders the Grafana dashboards shipped with gpuwatch.
package dashboard

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed templates/*.json.tmpl
var templates embed.FS

var templateFiles = []string{
	"gpuwatch-prometheus.json.tmpl",
	"gpuwatch-greptime.json.tmpl",
}

// Render executes every dashboard template and writes the result to outDir.
// Datasource UIDs come from PROMETHEUS_DATASOURCE_UID and
// GREPTIMEDB_DATASOURCE_UID.
func Render(outDir string) error {
	funcMap := template.FuncMap{
		"env": func(key string) (string, error) {
			v := os.Getenv(key)
			if v == "" {
				return "", fmt.Errorf("environment variable %s not set", key)
			}
			return v, nil
		},
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, name := range templateFiles {
		t, err := template.New(name).Funcs(funcMap).ParseFS(templates, "templates/"+name)
		if err != nil {
			return err
		}
		var b strings.Builder
		if err := t.Execute(&b, nil); err != nil {
			return err
		}
		if !json.Valid([]byte(b.String())) {
			return fmt.Errorf("dashboard %s rendered invalid JSON", name)
		}
		outPath := filepath.Join(outDir, strings.TrimSuffix(name, ".tmpl"))
		if err := os.WriteFile(outPath, []byte(b.String()), 0o644); err != nil {
			return err
		}
	}
	return nil
}
