package catalog

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// document is the persisted item-id list, shared by the canonical
// catalog and the supplementary list.
//
//	<catalog>
//	  <item id="220"/>
//	  <item id="440"/>
//	</catalog>
type document struct {
	XMLName xml.Name      `xml:"catalog"`
	Items   []itemElement `xml:"item"`
}

type itemElement struct {
	ID uint64 `xml:"id,attr"`
}

// ids converts the document to a set, dropping zero ids.
func (d *document) ids() map[item.ID]struct{} {
	set := make(map[item.ID]struct{}, len(d.Items))
	for _, el := range d.Items {
		if el.ID == 0 {
			continue
		}
		set[item.ID(el.ID)] = struct{}{}
	}
	return set
}

// fromSet rebuilds the document from a set in ascending id order, so
// repeated reconciliations of the same set produce identical bytes.
func fromSet(set map[item.ID]struct{}) *document {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, uint64(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	doc := &document{Items: make([]itemElement, 0, len(ids))}
	for _, id := range ids {
		doc.Items = append(doc.Items, itemElement{ID: id})
	}
	return doc
}

// readDocumentFile loads an id list. A missing file is an empty list; a
// malformed one is reported through malformed so the caller can log it
// and continue with an empty list.
func readDocumentFile(path string) (*document, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &document{}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("catalog: read %s: %w", path, err)
	}

	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return &document{}, true, nil
	}
	return &doc, false, nil
}

// writeDocumentFile commits the document with write-temp-then-rename so
// a crash never exposes a partial list.
func writeDocumentFile(path string, doc *document) error {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", path, err)
	}
	data = append([]byte(xml.Header), data...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("catalog: create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("catalog: stage %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("catalog: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("catalog: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog: commit %s: %w", path, err)
	}
	return nil
}
