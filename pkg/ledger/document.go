package ledger

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// document is the on-disk shape: items keyed by id, each holding one
// entry per failed locale.
type document struct {
	XMLName xml.Name     `xml:"failures"`
	Items   []itemRecord `xml:"item"`
}

type itemRecord struct {
	ID      uint64         `xml:"id,attr"`
	Name    string         `xml:"name,attr,omitempty"`
	Locales []localeRecord `xml:"locale"`
}

type localeRecord struct {
	Name string `xml:"name,attr"`
	// Count is absent in records written before per-count escalation;
	// a missing attribute decodes to zero, the shortest window.
	Count      uint   `xml:"count,attr,omitempty"`
	LastFailed string `xml:"lastFailed,attr"`
}

func (d *document) find(id item.ID, locale item.Locale) *localeRecord {
	for i := range d.Items {
		if d.Items[i].ID != uint64(id) {
			continue
		}
		for j := range d.Items[i].Locales {
			if item.Locale(d.Items[i].Locales[j].Name) == locale {
				return &d.Items[i].Locales[j]
			}
		}
		return nil
	}
	return nil
}

func (d *document) ensure(id item.ID, locale item.Locale) *localeRecord {
	for i := range d.Items {
		if d.Items[i].ID != uint64(id) {
			continue
		}
		for j := range d.Items[i].Locales {
			if item.Locale(d.Items[i].Locales[j].Name) == locale {
				return &d.Items[i].Locales[j]
			}
		}
		d.Items[i].Locales = append(d.Items[i].Locales, localeRecord{Name: string(locale)})
		return &d.Items[i].Locales[len(d.Items[i].Locales)-1]
	}
	d.Items = append(d.Items, itemRecord{
		ID:      uint64(id),
		Locales: []localeRecord{{Name: string(locale)}},
	})
	return &d.Items[len(d.Items)-1].Locales[0]
}

func (d *document) remove(id item.ID, locale item.Locale) {
	for i := range d.Items {
		if d.Items[i].ID != uint64(id) {
			continue
		}
		locales := d.Items[i].Locales[:0]
		for _, loc := range d.Items[i].Locales {
			if item.Locale(loc.Name) != locale {
				locales = append(locales, loc)
			}
		}
		d.Items[i].Locales = locales
		if len(locales) == 0 {
			d.Items = append(d.Items[:i], d.Items[i+1:]...)
		}
		return
	}
}

func (d *document) setName(id item.ID, name string) {
	for i := range d.Items {
		if d.Items[i].ID == uint64(id) {
			d.Items[i].Name = name
			return
		}
	}
}

// writeDocument commits the document with a whole-file replace: marshal,
// write to a staging file, fsync, rename. A crash never leaves a partial
// document visible under the final name.
func writeDocument(path string, doc *document) error {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal document: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ledger: create document directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("ledger: create staging file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ledger: write staging file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ledger: sync staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ledger: close staging file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ledger: commit document: %w", err)
	}
	return nil
}
