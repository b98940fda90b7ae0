package ledger

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// legacyDocument is the flat pre-per-locale failure file: one entry per
// item, no locale axis and no failure count.
type legacyDocument struct {
	XMLName xml.Name     `xml:"failures"`
	Items   []legacyItem `xml:"item"`
}

type legacyItem struct {
	ID         uint64 `xml:"id,attr"`
	Name       string `xml:"name,attr,omitempty"`
	LastFailed string `xml:"lastFailed,attr"`
}

// MigrateLegacy imports the flat legacy failure document into the
// per-locale structure, preserving original timestamps. Legacy entries
// predate locale-specific artwork, so they land under the fallback
// locale. The source file is renamed with MigratedSuffix afterwards so
// repeated calls are no-ops and the original stays auditable.
func (l *Ledger) MigrateLegacy(ctx context.Context) error {
	if l.cfg.LegacyPath == "" {
		return nil
	}

	data, err := os.ReadFile(l.cfg.LegacyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("ledger: read legacy document: %w", err)
	}

	var legacy legacyDocument
	if err := xml.Unmarshal(data, &legacy); err != nil {
		l.logger.Warnf("ledger: malformed legacy document %s, skipping migration: %v", l.cfg.LegacyPath, err)
		return l.markLegacyProcessed()
	}

	err = l.mutate(ctx, func(doc *document) {
		for _, entry := range legacy.Items {
			if entry.ID == 0 || entry.LastFailed == "" {
				continue
			}
			id := item.ID(entry.ID)
			if doc.find(id, item.DefaultLocale) != nil {
				// Already tracked in the new structure; the newer record wins.
				continue
			}
			rec := doc.ensure(id, item.DefaultLocale)
			rec.LastFailed = entry.LastFailed
			if entry.Name != "" {
				doc.setName(id, entry.Name)
			}
		}
	})
	if err != nil {
		return err
	}

	l.logger.Infof("ledger: migrated %d legacy failure records", len(legacy.Items))
	return l.markLegacyProcessed()
}

func (l *Ledger) markLegacyProcessed() error {
	processed := l.cfg.LegacyPath + MigratedSuffix
	if err := os.Rename(l.cfg.LegacyPath, processed); err != nil {
		return fmt.Errorf("ledger: mark legacy document processed: %w", err)
	}
	return nil
}
